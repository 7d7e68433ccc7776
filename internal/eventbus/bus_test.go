package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, JobFired, Delivery{JobID: "med_x_0800"})
	Publish(b, JobFired, Delivery{JobID: "med_x_0900"}) // dropped for a

	if got := len(a); got != 1 {
		t.Fatalf("subscriber a buffered %d events, want 1", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("subscriber c buffered %d events, want 2", got)
	}
	e := <-c
	if e.Type != JobFired || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if d, ok := e.Data.(Delivery); !ok || d.JobID != "med_x_0800" {
		t.Fatalf("unexpected payload %+v", e.Data)
	}

	unsubA()
	unsubA()
	Publish(b, JobFired, nil) // must not panic on the closed channel
	Publish(nil, JobFired, nil)
}
