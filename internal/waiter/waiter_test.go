package waiter

import "testing"

func TestChannelEntryNotifiedOnMatchingMask(t *testing.T) {
	var q Queue
	e, ch := NewChannelEntry(nil)
	q.EventRegister(&e, EventReadable|EventTimer)

	q.Notify(EventTimer)
	select {
	case <-ch:
	default:
		t.Fatal("registered waiter was not notified")
	}
}

func TestNotifySkipsNonMatchingMask(t *testing.T) {
	var q Queue
	e, ch := NewChannelEntry(nil)
	q.EventRegister(&e, EventReadable)

	q.Notify(EventErr)
	select {
	case <-ch:
		t.Fatal("waiter notified for an event it never registered for")
	default:
	}
}

func TestUnregisterStopsNotifications(t *testing.T) {
	var q Queue
	e, ch := NewChannelEntry(nil)
	q.EventRegister(&e, EventReadable)
	q.EventUnregister(&e)

	q.Notify(EventReadable)
	select {
	case <-ch:
		t.Fatal("unregistered waiter still notified")
	default:
	}
}
