// Package worker supervises long-lived goroutines that stop when a shared channel is closed.
package worker

import "sync"

// Worker is a long-lived task.
type Worker interface {
	// Run is a blocking method that usually contains a for/select loop.
	// It must return soon after stopC is closed.
	Run(stopC chan struct{})
}

// Func adapts a function to the Worker interface.
type Func func(stopC chan struct{})

// Run calls f(stopC).
func (f Func) Run(stopC chan struct{}) { f(stopC) }

// Workers starts workers and waits for them on Stop.
// The zero value is ready to use.
type Workers struct {
	m        sync.Mutex
	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Workers) stopChan() chan struct{} {
	w.m.Lock()
	defer w.m.Unlock()
	if w.stopC == nil {
		w.stopC = make(chan struct{})
	}
	return w.stopC
}

// StartWithOnFinishHandler runs r in a new goroutine and calls onFinish after it returns.
func (w *Workers) StartWithOnFinishHandler(r Worker, onFinish func()) {
	stopC := w.stopChan()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		r.Run(stopC)
		if onFinish != nil {
			onFinish()
		}
	}()
}

// Start runs r in a new goroutine.
func (w *Workers) Start(r Worker) {
	w.StartWithOnFinishHandler(r, nil)
}

// StartFunc runs f in a new goroutine.
func (w *Workers) StartFunc(f func(stopC chan struct{})) {
	w.Start(Func(f))
}

// Stop signals all workers and waits until they return. Calling Stop more than once is safe.
func (w *Workers) Stop() {
	stopC := w.stopChan()
	w.stopOnce.Do(func() { close(stopC) })
	w.wg.Wait()
}
