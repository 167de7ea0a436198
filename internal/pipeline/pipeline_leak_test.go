package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/llm"
	"github.com/real-rm/notifier/internal/registry"
	"github.com/real-rm/notifier/internal/testutil"
)

// Delivery goroutines finish once Shutdown returns.
func TestShutdown_NoGoroutineLeak(t *testing.T) {
	logger := testutil.CreateTestLogger(t)
	store := testutil.NewMockStore()
	enricher := &testutil.MockEnricher{Result: llm.Result{Note: "Thinking of you."}}
	deliverer := newFakeDeliverer()

	testutil.WaitForGoroutines()
	before := testutil.MeasureGoroutines()

	p := New(store, enricher, deliverer, registry.New(logger), Options{}, logger)
	for i := 0; i < 20; i++ {
		_, err := p.Submit(context.Background(), SubmitRequest{
			Sender: "Shivam", Recipient: "Arya", Kind: "predefined", Payload: "Good night",
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	testutil.WaitForGoroutines()
	testutil.AssertGoroutineCount(t, before, testutil.MeasureGoroutines(), "20 submissions then shutdown")

	assert.Equal(t, 20, store.MessageCount())
	assert.Equal(t, 20, enricher.CallCount())
	assert.Len(t, deliverer.calls, 20)
}

// A message that fails to persist is never delivered.
func TestSubmit_StoreFailureSkipsDelivery(t *testing.T) {
	logger := testutil.CreateTestLogger(t)
	store := testutil.NewMockStore()
	store.InsertError = assert.AnError
	enricher := &testutil.MockEnricher{Result: llm.Result{Note: "unused"}}
	deliverer := newFakeDeliverer()

	p := New(store, enricher, deliverer, registry.New(logger), Options{}, logger)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, err := p.Submit(context.Background(), SubmitRequest{
		Sender: "Arya", Recipient: "Shivam", Kind: "custom", Payload: "lost",
	})
	require.Error(t, err)
	assert.Equal(t, 1, store.InsertCalls)
	deliverer.assertNoCall(t)
}

// blockingEnricher holds Enrich until release is closed.
type blockingEnricher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEnricher) Enrich(_ context.Context, _ string, _ identity.User) llm.Result {
	close(b.entered)
	<-b.release
	return llm.Result{Note: "Always thinking of you."}
}

// Shutdown waits for a submission that is still enriching, and that
// submission's push runs under a live context.
func TestShutdown_WaitsForSubmitInProgress(t *testing.T) {
	logger := testutil.CreateTestLogger(t)
	store := testutil.NewMockStore()
	enricher := &blockingEnricher{entered: make(chan struct{}), release: make(chan struct{})}
	deliverer := newFakeDeliverer()
	p := New(store, enricher, deliverer, registry.New(logger), Options{}, logger)

	submitted := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), SubmitRequest{
			Sender: "Shivam", Recipient: "Arya", Kind: "predefined", Payload: "Miss you",
		})
		submitted <- err
	}()

	select {
	case <-enricher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit never reached enrichment")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- p.Shutdown(ctx)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a submission was in progress")
	case <-time.After(100 * time.Millisecond):
	}

	_, err := p.Submit(context.Background(), SubmitRequest{
		Sender: "Arya", Recipient: "Shivam", Kind: "custom", Payload: "too late",
	})
	assert.ErrorIs(t, err, ErrShuttingDown)

	close(enricher.release)

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not finish")
	}
	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	call := deliverer.waitCall(t)
	assert.Equal(t, identity.Arya, call.user)
	assert.NoError(t, call.ctxErr, "push ran under a cancelled context")
	assert.Equal(t, 1, store.MessageCount())
}
