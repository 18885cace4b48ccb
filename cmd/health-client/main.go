// Command health-client queries a servicegraph gRPC health endpoint and
// prints the response as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	var target string
	var service string
	var timeout time.Duration
	var watch bool
	flag.StringVar(&target, "target", "127.0.0.1:50051", "gRPC server address")
	flag.StringVar(&service, "service", "", "service name; empty checks the whole graph")
	flag.DurationVar(&timeout, "timeout", 3*time.Second, "deadline for a single check")
	flag.BoolVar(&watch, "watch", false, "stream status changes until interrupted")
	flag.Parse()

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", target, err)
		os.Exit(2)
	}
	defer conn.Close()
	c := healthpb.NewHealthClient(conn)

	if watch {
		if err := watchStatus(context.Background(), c, service, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	code, err := checkStatus(ctx, c, service, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Check error: %v\n", err)
	}
	os.Exit(code)
}

// checkStatus prints one response. The exit code is 0 for SERVING, 1 for
// any other status and 2 for transport errors or unknown services.
func checkStatus(ctx context.Context, c healthpb.HealthClient, service string, w io.Writer) (int, error) {
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 2, fmt.Errorf("service %q is not known to the server", service)
		}
		return 2, err
	}
	if err := printJSON(w, resp); err != nil {
		return 2, err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return 1, nil
	}
	return 0, nil
}

func watchStatus(ctx context.Context, c healthpb.HealthClient, service string, w io.Writer) error {
	stream, err := c.Watch(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := printJSON(w, resp); err != nil {
			return err
		}
	}
}

func printJSON(w io.Writer, resp *healthpb.HealthCheckResponse) error {
	b, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
