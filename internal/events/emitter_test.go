package events

import "testing"

func TestSubscribeEmitUnsubscribe(t *testing.T) {
	e := NewEmitter[string]()

	var first, second []string
	id1 := e.Subscribe(func(v string) { first = append(first, v) })
	id2 := e.Subscribe(func(v string) { second = append(second, v) })

	e.Emit("a")
	e.Unsubscribe(id1)
	e.Emit("b")

	if len(first) != 1 || first[0] != "a" {
		t.Errorf("first handler: %v", first)
	}
	if len(second) != 2 || second[1] != "b" {
		t.Errorf("second handler: %v", second)
	}

	// Double unsubscribe is a no-op.
	e.Unsubscribe(id1)
	e.Unsubscribe(id2)
	e.Emit("c")
	if len(second) != 2 {
		t.Errorf("handler called after unsubscribe: %v", second)
	}
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	e := NewEmitter[int]()

	var got []int
	var id2 int
	e.Subscribe(func(int) { e.Unsubscribe(id2) })
	id2 = e.Subscribe(func(v int) { got = append(got, v) })

	// The first handler removes the second before it runs.
	e.Emit(1)
	if len(got) != 0 {
		t.Errorf("unsubscribed handler ran: %v", got)
	}
}

func TestDeliveryOrder(t *testing.T) {
	e := NewEmitter[int]()

	var order []int
	for i := 1; i <= 3; i++ {
		n := i
		e.Subscribe(func(int) { order = append(order, n) })
	}
	e.Emit(0)

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("delivery order: %v", order)
		}
	}
}
