package middleware

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

var testInfo = &grpc.UnaryServerInfo{FullMethod: "/cacsi.authority.v1.CertificateAuthority/Issue"}

func peerContext(addr string) context.Context {
	tcp, _ := net.ResolveTCPAddr("tcp", addr)
	return peer.NewContext(context.Background(), &peer.Peer{Addr: tcp})
}

// recordingInvoker captures the context and counts calls, returning errs in order.
type recordingInvoker struct {
	ctxs []context.Context
	errs []error
}

func (r *recordingInvoker) invoke(ctx context.Context, _ string, _, _ interface{}, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
	r.ctxs = append(r.ctxs, ctx)
	i := len(r.ctxs) - 1
	if i < len(r.errs) {
		return r.errs[i]
	}
	return nil
}
