package cachetracker

// Tracer is the tracing sink contract from spec §6: scoped events around
// each major Client operation, plus two explicit size events. The runtime's
// own tracing emitters are an external collaborator (spec §1 "out of
// scope"); Tracer is the seam this module exposes for them to plug into,
// kept deliberately narrow so a no-op implementation costs nothing on the
// hot path.
type Tracer interface {
	// Enter marks the start of a scoped event; the returned func must be
	// called to mark its end. Matches the eight scoped event names spec §6
	// enumerates (retrieve_object_from_cache, insert_object_into_cache, ...).
	Enter(event string) (exit func())

	// Size records one of the two explicit size events (spec §6:
	// serialization_cache_size, deserialization_cache_size).
	Size(event string, bytes int64)
}

// Scoped event names (spec §6).
const (
	EventRetrieveFromCache    = "retrieve_object_from_cache"
	EventRetrieveFromGPUCache = "retrieve_object_from_gpu_cache"
	EventInsertIntoCache      = "insert_object_into_cache"
	EventInsertIntoGPUCache   = "insert_object_into_gpu_cache"
	EventRemoveFromCache      = "remove_object_from_cache"
	EventCacheHitGPU          = "cache_hit_gpu"
	EventCacheMissGPU         = "cache_miss_gpu"
	EventCheckAccessGPU       = "check_access_gpu"

	EventSerializationCacheSize   = "serialization_cache_size"
	EventDeserializationCacheSize = "deserialization_cache_size"
)

type noopTracer struct{}

func (noopTracer) Enter(string) func()    { return func() {} }
func (noopTracer) Size(string, int64)     {}
