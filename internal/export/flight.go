package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-gemmbench/internal/logger"
)

// DescriptorPath is the flight path results are published under.
var DescriptorPath = []string{"gemmbench", "results"}

// FlightPublisher sends results to an Arrow Flight server with DoPut.
type FlightPublisher struct {
	addr    string
	client  flight.Client
	timeout time.Duration
}

func NewFlightPublisher(addr string) *FlightPublisher {
	return &FlightPublisher{addr: addr, timeout: 30 * time.Second}
}

// Connect creates the gRPC client. The connection itself is established lazily.
func (p *FlightPublisher) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(p.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	p.client = client
	return nil
}

func (p *FlightPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Publish streams r as one record batch under DescriptorPath.
func (p *FlightPublisher) Publish(ctx context.Context, r Results) error {
	if p.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	mem := memory.NewGoAllocator()
	rec := Record(mem, r)
	defer rec.Release()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: DescriptorPath})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}
	// Drain acknowledgements until the server ends the call.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	logger.Log.Info("Published results", "address", p.addr, "rows", rec.NumRows())
	return nil
}
