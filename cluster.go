package starmap

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// clusterPool hands tasks to an external worker cluster through a kafka
// topic. Results still come back over the dispatcher's ingress, so the main
// loop is unchanged.
type clusterPool struct {
	writer *kafka.Writer
}

func newClusterPool(brokers []string, topic string) *clusterPool {
	if len(brokers) == 0 {
		return nil
	}
	return &clusterPool{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Submit publishes the spec; any cluster worker may pick it up.
func (p *clusterPool) Submit(spec *TaskSpec) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(spec); err != nil {
		return fmt.Errorf("encode task spec: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(uuid.NewString()),
		Value: buf.Bytes(),
	})
	if err != nil {
		return &BackendUnavailableError{Backend: string(BackendCluster), Reason: err.Error()}
	}
	return nil
}

// Close flushes and closes the producer.
func (p *clusterPool) Close() {
	if p != nil && p.writer != nil {
		p.writer.Close()
	}
}

// ServeClusterWorker consumes task specs from the cluster topic and
// executes them with at most concurrency tasks at a time, until the context
// is cancelled. Workers in the same group share the topic.
func ServeClusterWorker(ctx context.Context, brokers []string, topic, group string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	defer reader.Close()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read task message: %w", err)
		}
		var spec TaskSpec
		if err := gob.NewDecoder(bytes.NewReader(msg.Value)).Decode(&spec); err != nil {
			continue // not ours; other job kinds may share the topic
		}
		wg.Add(1)
		go func(spec TaskSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			RunTask(&spec)
		}(spec)
	}
}
