package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RejectsUnknownField(t *testing.T) {
	_, err := Decode[PlanIDRequest]([]byte(`{"id":"p1","bogus":true}`))
	require.Error(t, err)
}

func TestDecode_AcceptsKnownFields(t *testing.T) {
	req, err := Decode[CreatePlanRequest]([]byte(`{"name":"p","jobs":[{"producer_id":"job-a","task":"t"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "p", req.Name)
	assert.Len(t, req.Jobs, 1)
	assert.Equal(t, "job-a", req.Jobs[0].ProducerID)
}
