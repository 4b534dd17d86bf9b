package eventhub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ygrebnov/fleetpool/eventhub"
)

type workerCreated struct{ WorkerID string }

func TestHub_SubscribePublish(t *testing.T) {
	h := eventhub.New()

	var got []string
	unsub := eventhub.Subscribe(h, "worker-created", func(e workerCreated) {
		got = append(got, e.WorkerID)
	})

	eventhub.Publish(h, "worker-created", workerCreated{WorkerID: "w1"})
	eventhub.Publish(h, "worker-created", workerCreated{WorkerID: "w2"})

	assert.Equal(t, []string{"w1", "w2"}, got)

	unsub()
	eventhub.Publish(h, "worker-created", workerCreated{WorkerID: "w3"})
	assert.Equal(t, []string{"w1", "w2"}, got, "unsubscribed handler must not fire")
}

func TestHub_MismatchedTypeIsSkippedNotPanicked(t *testing.T) {
	h := eventhub.New()
	called := false
	eventhub.Subscribe(h, "topic", func(int) { called = true })

	assert.NotPanics(t, func() {
		eventhub.Publish(h, "topic", "a string, not an int")
	})
	assert.False(t, called)
}

func TestHub_PanicInHandlerIsIsolated(t *testing.T) {
	h := eventhub.New()
	var recoveredTopic string
	h.OnHandlerPanic = func(topic string, _ interface{}) { recoveredTopic = topic }

	eventhub.Subscribe(h, "topic", func(int) { panic("boom") })

	assert.NotPanics(t, func() {
		eventhub.Publish(h, "topic", 1)
	})
	assert.Equal(t, "topic", recoveredTopic)
}
