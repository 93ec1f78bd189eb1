package notify_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scanflow/internal/domain"
	"scanflow/internal/notify"
)

func TestBus(t *testing.T) {
	t.Parallel()
	b := notify.NewBus()

	ch, cancel := b.Subscribe("j1")
	other, cancelOther := b.Subscribe("j2")
	defer cancelOther()
	require.Equal(t, 1, b.Subscribers("j1"))

	b.Publish(&domain.Job{ID: "j1", Status: domain.JobRunning})
	got := <-ch
	require.Equal(t, domain.JobRunning, got.Status)
	require.Empty(t, other)

	// a full subscriber does not block the publisher
	for range 100 {
		b.Publish(&domain.Job{ID: "j1"})
	}

	cancel()
	cancel()
	require.Equal(t, 0, b.Subscribers("j1"))
	for range ch {
	}
}
