package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified authority service name.
const ServiceName = "cacsi.authority.v1.CertificateAuthority"

// Full method names.
const (
	IssueMethod              = "/" + ServiceName + "/Issue"
	RenewMethod              = "/" + ServiceName + "/Renew"
	GetCertificateInfoMethod = "/" + ServiceName + "/GetCertificateInfo"
	RevokeMethod             = "/" + ServiceName + "/Revoke"
)

// AuthorityServer is the server API of the authority protocol.
type AuthorityServer interface {
	Issue(context.Context, *IssueCertificateRequest) (*CertificateResponse, error)
	Renew(context.Context, *RenewCertificateRequest) (*CertificateResponse, error)
	GetCertificateInfo(context.Context, *GetCertificateInfoRequest) (*GetCertificateInfoResponse, error)
	Revoke(context.Context, *RevokeCertificateRequest) (*RevokeCertificateResponse, error)
}

// RegisterAuthorityServer registers srv with s.
func RegisterAuthorityServer(s grpc.ServiceRegistrar, srv AuthorityServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Issue", Handler: issueHandler},
		{MethodName: "Renew", Handler: renewHandler},
		{MethodName: "GetCertificateInfo", Handler: getCertificateInfoHandler},
		{MethodName: "Revoke", Handler: revokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cacsi/authority/v1/authority.json",
}

func issueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IssueCertificateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).Issue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IssueMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).Issue(ctx, req.(*IssueCertificateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func renewHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RenewCertificateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).Renew(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RenewMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).Renew(ctx, req.(*RenewCertificateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getCertificateInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetCertificateInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).GetCertificateInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetCertificateInfoMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).GetCertificateInfo(ctx, req.(*GetCertificateInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func revokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RevokeCertificateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).Revoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RevokeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).Revoke(ctx, req.(*RevokeCertificateRequest))
	}
	return interceptor(ctx, in, info, handler)
}
