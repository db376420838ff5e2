package memstore

import (
	"testing"

	"threadloom/pkg/durable"
	"threadloom/pkg/durable/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) durable.Store { return New() })
}
