package worker_test

import (
	"fmt"

	"github.com/cenkalti/rainstream/internal/worker"
)

type Parent struct {
	workers worker.Workers
}

func (p *Parent) Run(stopC chan struct{}) {
	c := &Child{}
	p.workers.Start(c)
	<-stopC
}

func (p *Parent) Stop() {
	p.workers.Stop()
}

type Child struct{}

func (c *Child) Run(stopC chan struct{}) {
	close(childRun)
	fmt.Println("hello from child")
	<-stopC
	fmt.Println("child is stopped")
}

var childRun = make(chan struct{})

func Example() {
	p := &Parent{}
	go p.Run(nil)
	<-childRun
	p.Stop()
	p.Stop()
	// Output:
	// hello from child
	// child is stopped
}

func ExampleWorkers_StartFunc() {
	var w worker.Workers
	done := make(chan struct{})
	w.StartFunc(func(stopC chan struct{}) {
		close(done)
		<-stopC
		fmt.Println("stopped")
	})
	<-done
	w.Stop()
	// Output:
	// stopped
}
