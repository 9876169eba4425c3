package dnssd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchedGroupsEvents(t *testing.T) {
	var batches [][]Event
	h := Batched(func(evs []Event) { batches = append(batches, evs) })

	h(ServiceFound{Handle: 1, ServiceInstance: ServiceInstance{Name: "a", Flags: FlagAdd | FlagMoreComing}})
	h(ServiceFound{Handle: 1, ServiceInstance: ServiceInstance{Name: "b", Flags: FlagAdd}})
	h(BatchComplete{Handle: 1})
	h(BatchComplete{Handle: 1})
	h(ServiceLost{Handle: 1, ServiceInstance: ServiceInstance{Name: "a"}})
	h(Failed{Handle: 1, Err: ErrTimeout})

	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	require.Len(t, batches[1], 2)
	assert.IsType(t, Failed{}, batches[1][1])
}

func TestWithMoreComing(t *testing.T) {
	ev := withMoreComing(RecordAnswer{Handle: 2, Flags: FlagAdd})
	assert.Equal(t, FlagAdd|FlagMoreComing, ev.(RecordAnswer).Flags)
	assert.Equal(t, Handle(2), ev.OperationHandle())

	assert.Equal(t, Registered{Handle: 3}, withMoreComing(Registered{Handle: 3}))
}

func TestServiceInstanceFullName(t *testing.T) {
	inst := ServiceInstance{Name: "MyPrinter (2)", Type: "_ipp._tcp.", Domain: "local."}
	assert.Equal(t, "MyPrinter (2)._ipp._tcp.local.", inst.FullName())
}
