// Package tracker implements data trackers that record training
// metrics as an experiment runs and persist them when it ends.
package tracker

// Tracker tracks a metric over the course of an experiment. The
// training loop calls Track once per completed episode and Save once
// when the experiment ends or aborts.
type Tracker interface {
	// Track records the return of a completed episode along with the
	// global environment step at which the episode finished.
	Track(episodeReturn float64, globalStep int)

	// Save persists all tracked data to disk
	Save() error
}
