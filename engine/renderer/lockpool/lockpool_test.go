package lockpool

import (
	"sync"
	"testing"
)

func TestSafeCallSerializesPerGroup(t *testing.T) {
	p := New()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.SafeCall(Device, func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestSafeQueueCallPerFamily(t *testing.T) {
	p := New()
	var a, b int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.SafeQueueCall(0, func() error { a++; return nil })
		}()
		go func() {
			defer wg.Done()
			p.SafeQueueCall(1, func() error { b++; return nil })
		}()
	}
	wg.Wait()

	if a != 20 || b != 20 {
		t.Fatalf("a=%d b=%d, want 20/20", a, b)
	}
}
