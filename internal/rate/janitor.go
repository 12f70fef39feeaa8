package rate

import (
	"sync"
	"time"
)

// Sweeper is implemented by every limiter in this package.
type Sweeper interface {
	Sweep()
}

// Janitor periodically sweeps a set of limiters so idle keys do not accumulate
// forever. One Janitor is constructed per Engine and stopped on Close.
type Janitor struct {
	interval time.Duration
	targets  []Sweeper
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewJanitor starts the sweep loop. A non-positive interval yields an inert
// Janitor whose Stop is still safe to call.
func NewJanitor(interval time.Duration, targets ...Sweeper) *Janitor {
	j := &Janitor{
		interval: interval,
		targets:  targets,
		done:     make(chan struct{}),
	}
	if interval <= 0 || len(targets) == 0 {
		return j
	}

	j.wg.Add(1)
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, t := range j.targets {
				t.Sweep()
			}
		case <-j.done:
			return
		}
	}
}

// Stop terminates the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.done)
		j.wg.Wait()
	})
}
