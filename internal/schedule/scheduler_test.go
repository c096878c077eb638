package schedule

import (
	"sync"
	"testing"
	"time"
)

func TestEveryStepsFiresOnMultiples(t *testing.T) {
	var fires []Fire
	s := New(nil)
	defer s.Stop()

	s.EverySteps(2, func(f Fire) { fires = append(fires, f) })

	for i := 0; i < 5; i++ {
		s.NoteTurn()
	}
	if len(fires) != 2 {
		t.Fatalf("fired %d times after 5 turns, want 2", len(fires))
	}
	if fires[0].StepCount != 2 || fires[1].StepCount != 4 {
		t.Errorf("step counts: %+v", fires)
	}
}

func TestEveryStepsMultipleTasksOrdered(t *testing.T) {
	var order []string
	s := New(nil)
	defer s.Stop()

	s.EverySteps(1, func(Fire) { order = append(order, "first") })
	s.EverySteps(1, func(Fire) { order = append(order, "second") })
	s.NoteTurn()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("dispatch order: %v", order)
	}
}

func TestCancelStepTask(t *testing.T) {
	fired := 0
	s := New(nil)
	defer s.Stop()

	id := s.EverySteps(1, func(Fire) { fired++ })
	s.NoteTurn()
	s.Cancel(id)
	s.NoteTurn()

	if fired != 1 {
		t.Errorf("fired %d times, want 1", fired)
	}
}

func TestAtFiresOnceOnVirtualClock(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	var mu sync.Mutex
	fired := 0
	done := make(chan struct{}, 1)

	s := New(func(fn func()) { fn() }, WithTimeBridge(clock))
	defer s.Stop()

	s.At(clock.Now().Add(time.Minute), func(Fire) {
		mu.Lock()
		fired++
		mu.Unlock()
		done <- struct{}{}
	})

	// give the waiter goroutine time to park on the timer
	time.Sleep(20 * time.Millisecond)
	clock.Advance(30 * time.Second)
	select {
	case <-done:
		t.Fatal("fired before deadline")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never fired")
	}

	clock.Advance(time.Hour)
	select {
	case <-done:
		t.Fatal("one-shot fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEveryRepeatsOnVirtualClock(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	fires := make(chan Fire, 8)

	s := New(func(fn func()) { fn() }, WithTimeBridge(clock))
	defer s.Stop()

	s.Every(time.Minute, func(f Fire) { fires <- f })

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		clock.Advance(time.Minute)
		select {
		case <-fires:
		case <-time.After(2 * time.Second):
			t.Fatalf("fire %d never arrived", i+1)
		}
	}
}

func TestStopHaltsTimedTasks(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	fires := make(chan Fire, 8)

	s := New(func(fn func()) { fn() }, WithTimeBridge(clock))
	s.Every(time.Minute, func(f Fire) { fires <- f })

	time.Sleep(20 * time.Millisecond)
	s.Stop()
	clock.Advance(time.Hour)

	select {
	case <-fires:
		t.Error("fired after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
