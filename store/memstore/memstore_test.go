package memstore

import (
	"testing"

	"graphengine/store"
	"graphengine/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.FakeClock) store.Store {
		return New(WithClock(clock.Now))
	})
}
