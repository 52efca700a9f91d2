package module

import "github.com/roach88/conformance/internal/testinfo"

// Listener observes lifecycle events. Calls happen on the module's executor
// goroutine and must not block.
type Listener interface {
	SetupDone()
	TestSuccess()
	TestFailure()
	Interrupted()
	Finished(result testinfo.Result)
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	OnSetupDone   func()
	OnTestSuccess func()
	OnTestFailure func()
	OnInterrupted func()
	OnFinished    func(testinfo.Result)
}

func (l ListenerFuncs) SetupDone() {
	if l.OnSetupDone != nil {
		l.OnSetupDone()
	}
}

func (l ListenerFuncs) TestSuccess() {
	if l.OnTestSuccess != nil {
		l.OnTestSuccess()
	}
}

func (l ListenerFuncs) TestFailure() {
	if l.OnTestFailure != nil {
		l.OnTestFailure()
	}
}

func (l ListenerFuncs) Interrupted() {
	if l.OnInterrupted != nil {
		l.OnInterrupted()
	}
}

func (l ListenerFuncs) Finished(r testinfo.Result) {
	if l.OnFinished != nil {
		l.OnFinished(r)
	}
}
