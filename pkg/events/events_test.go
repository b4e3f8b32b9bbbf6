package events

import "testing"

func TestNotifyDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(PreRun, func(n Notification) { order = append(order, 1) })
	bus.Subscribe(PreRun, func(n Notification) { order = append(order, 2) })
	bus.Subscribe(PostRun, func(n Notification) { order = append(order, 3) })

	bus.Notify(PreRun, nil, RunStep)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("delivery order = %v, want [1 2]", order)
	}
}

func TestNotificationPayload(t *testing.T) {
	bus := NewBus()

	var got Notification
	bus.Subscribe(PreReset, func(n Notification) { got = n })

	src := struct{ name string }{"core0"}
	bus.Notify(PreReset, src, 42)

	if got.Event != PreReset {
		t.Errorf("event = %v", got.Event)
	}
	if got.Source != src {
		t.Errorf("source = %v", got.Source)
	}
	if got.Data != 42 {
		t.Errorf("data = %v", got.Data)
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Notify(PreHalt, nil, nil)
}
