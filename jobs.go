// Copyright 2015 Daniel Pupius

package rcache

// jobs is the table of in-flight loads. Loads restricted to the cache tiers
// are kept apart from ordinary ones: a cache-only load must never join a job
// that goes to the source, and an ordinary load must not settle for a job
// that will give up instead of fetching.
type jobs struct {
	jobs          map[EngineKey]*job
	onlyCacheJobs map[EngineKey]*job
}

func newJobs() *jobs {
	return &jobs{
		jobs:          make(map[EngineKey]*job),
		onlyCacheJobs: make(map[EngineKey]*job),
	}
}

func (t *jobs) table(onlyCache bool) map[EngineKey]*job {
	if onlyCache {
		return t.onlyCacheJobs
	}
	return t.jobs
}

func (t *jobs) get(key EngineKey, onlyCache bool) *job {
	return t.table(onlyCache)[key]
}

func (t *jobs) put(key EngineKey, j *job) {
	t.table(j.onlyCache)[key] = j
}

// removeIfCurrent unregisters j, unless a newer job has already taken its
// place.
func (t *jobs) removeIfCurrent(key EngineKey, j *job) {
	table := t.table(j.onlyCache)
	if table[key] == j {
		delete(table, key)
	}
}

func (t *jobs) len() int {
	return len(t.jobs) + len(t.onlyCacheJobs)
}

func (t *jobs) all() []*job {
	all := make([]*job, 0, t.len())
	for _, j := range t.jobs {
		all = append(all, j)
	}
	for _, j := range t.onlyCacheJobs {
		all = append(all, j)
	}
	return all
}
