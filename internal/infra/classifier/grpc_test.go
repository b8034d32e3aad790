package classifier

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeService answers the classifier methods without generated stubs.
type fakeService struct {
	unavailable atomic.Int32 // number of calls to fail before answering
	calls       atomic.Int32
}

func (f *fakeService) handle(_ any, stream grpc.ServerStream) error {
	f.calls.Add(1)
	method, _ := grpc.MethodFromServerStream(stream)

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	if f.unavailable.Load() > 0 {
		f.unavailable.Add(-1)
		return status.Error(codes.Unavailable, "warming up")
	}

	var resp map[string]any
	switch method {
	case classifyMethod:
		texts := req.GetFields()["texts"].GetListValue().GetValues()
		preds := make([]any, len(texts))
		for i := range texts {
			preds[i] = map[string]any{"probabilities": []any{0.05, 0.05, 0.8, 0.05, 0.05}}
		}
		resp = map[string]any{"predictions": preds}
	case labelsMethod:
		resp = map[string]any{"id2label": map[string]any{"0": "Negative", "1": "Positive"}}
	default:
		return status.Error(codes.Unimplemented, method)
	}

	out, err := structpb.NewStruct(resp)
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

func newTestGRPCClient(t *testing.T, svc *fakeService) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(svc.handle))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	client := NewGRPCClientFromConn(conn, testConfig(""))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGRPCClient_Classify(t *testing.T) {
	client := newTestGRPCClient(t, &fakeService{})

	preds, err := client.Classify(context.Background(), []string{"uno", "dos"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(preds))
	}
	if idx, score := preds[1].Argmax(); idx != 2 || score != 0.8 {
		t.Errorf("Argmax = %d, %v", idx, score)
	}
}

func TestGRPCClient_RetriesUnavailable(t *testing.T) {
	svc := &fakeService{}
	svc.unavailable.Store(2)
	client := newTestGRPCClient(t, svc)

	if _, err := client.Classify(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if svc.calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", svc.calls.Load())
	}
}

func TestGRPCClient_Classes(t *testing.T) {
	client := newTestGRPCClient(t, &fakeService{})

	classes, err := client.Classes(context.Background())
	if err != nil {
		t.Fatalf("Classes failed: %v", err)
	}
	if classes[0] != "Negative" || classes[1] != "Positive" {
		t.Errorf("unexpected classes %v", classes)
	}
}
