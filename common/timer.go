package common

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// OneShotTimer support class for triggering an event after a deadline passes.
// Stop is idempotent; once Stop returns, the handler will not fire.
type OneShotTimer interface {
	Start(deadline time.Duration, handler TimeoutHandler) error
	Stop() error
}

// oneShotTimerImpl implements OneShotTimer
type oneShotTimerImpl struct {
	Component
	rootContext      context.Context
	operationContext context.Context
	contextCancel    context.CancelFunc
	lock             sync.Mutex
	wg               *sync.WaitGroup
}

// GetOneShotTimerInstance create new one-shot timer instance
func GetOneShotTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (OneShotTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "oneshot-timer", "instance": name,
	}
	return &oneShotTimerImpl{
		Component:        Component{LogTags: logTags},
		rootContext:      rootCtxt,
		operationContext: nil,
		contextCancel:    nil,
		wg:               wg,
	}, nil
}

// Start start the one-shot timer
func (t *oneShotTimerImpl) Start(deadline time.Duration, handler TimeoutHandler) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	log.WithFields(t.LogTags).Debugf("Arming with deadline %s", deadline)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.operationContext = ctxt
	t.contextCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-ctxt.Done():
			return
		case <-time.After(deadline):
			log.WithFields(t.LogTags).Debug("Deadline passed. Calling handler")
			if err := handler(); err != nil {
				log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
			}
		}
	}()
	return nil
}

// Stop stop the one-shot timer
func (t *oneShotTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Debug("Disarming timer")
		t.contextCancel()
		t.contextCancel = nil
	}
	return nil
}
