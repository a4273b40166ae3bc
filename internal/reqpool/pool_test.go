package reqpool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetGrowsBySlabs(t *testing.T) {
	p := New()
	assert.Equal(t, 0, p.Cap())

	reqs := make([]*Request, slabSize+1)
	for i := range reqs {
		reqs[i] = p.Get()
	}
	assert.Equal(t, 2*slabSize, p.Cap())
	assert.Equal(t, slabSize+1, p.Outstanding())
}

func TestPutReturnsToFreeListAndResets(t *testing.T) {
	p := New()
	r := p.Get()
	r.Complete(errors.New("boom"))
	assert.Equal(t, StatusCompleted, r.Status())

	p.Put(r)
	assert.Equal(t, 0, p.Outstanding())

	r2 := p.Get()
	assert.Same(t, r, r2)
	assert.Nil(t, r2.Result)
	assert.Equal(t, StatusInProgress, r2.Status())
}

func TestCompleteInvokesCallback(t *testing.T) {
	p := New()
	r := p.Get()
	called := false
	r.Callback = func(req *Request) { called = true }
	r.Complete(nil)
	assert.True(t, called)
}
