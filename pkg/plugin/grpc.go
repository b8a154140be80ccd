package plugin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/exploopio/reconx/pkg/errors"
	"github.com/exploopio/reconx/pkg/finding"
)

// RunMethod is the full gRPC method name a plugin service exposes. The
// request is a google.protobuf.Struct {"target": "<host>"} and the response
// a google.protobuf.ListValue of finding objects.
const RunMethod = "/reconx.plugin.v1.Plugin/Run"

// GRPCPlugin calls a plugin served over gRPC.
type GRPCPlugin struct {
	manifest *Manifest
	conn     *grpc.ClientConn
}

// NewGRPCPlugin creates a client for the manifest's address. The connection
// is established lazily on first Run.
func NewGRPCPlugin(m *Manifest, deps Deps) (*GRPCPlugin, error) {
	if m.GRPC == nil || m.GRPC.Address == "" {
		return nil, fmt.Errorf("grpc.address is required")
	}
	opts, err := dialOptions(m.GRPC)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(m.GRPC.Address, append(opts, deps.GRPCDialOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", m.GRPC.Address, err)
	}
	return &GRPCPlugin{manifest: m, conn: conn}, nil
}

const (
	defaultKeepAliveTime    = 30 * time.Second
	defaultKeepAliveTimeout = 10 * time.Second
	defaultMaxRecvMsgSize   = 16 * 1024 * 1024 // 16MB
)

func dialOptions(cfg *GRPCConfig) ([]grpc.DialOption, error) {
	kaTime, kaTimeout, maxRecv := cfg.KeepAliveTime, cfg.KeepAliveTimeout, cfg.MaxRecvMsgSize
	if kaTime <= 0 {
		kaTime = defaultKeepAliveTime
	}
	if kaTimeout <= 0 {
		kaTimeout = defaultKeepAliveTimeout
	}
	if maxRecv <= 0 {
		maxRecv = defaultMaxRecvMsgSize
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecv)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    kaTime,
			Timeout: kaTimeout,
		}),
	}

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed plugin hosts
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.TokenEnv != "" {
		token := os.Getenv(cfg.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("grpc.token_env: %s is not set", cfg.TokenEnv)
		}
		opts = append(opts, grpc.WithUnaryInterceptor(authInterceptor(token)))
	}
	return opts, nil
}

// authInterceptor adds bearer-token metadata to unary calls.
func authInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any,
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (p *GRPCPlugin) Name() string              { return p.manifest.Name }
func (p *GRPCPlugin) Version() string           { return p.manifest.Version }
func (p *GRPCPlugin) InputsSupported() []string { return p.manifest.InputsSupported }

// Run invokes RunMethod.
func (p *GRPCPlugin) Run(ctx context.Context, target string) ([]finding.Candidate, error) {
	const op = "plugin.GRPCPlugin.Run"

	if p.manifest.GRPC.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.manifest.GRPC.Timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{"target": target})
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}

	resp := &structpb.ListValue{}
	if err := p.conn.Invoke(ctx, RunMethod, req, resp); err != nil {
		return nil, errors.E(errors.KindPluginRuntime, op, fmt.Sprintf("calling %s at %s", p.Name(), p.manifest.GRPC.Address), err)
	}

	candidates := make([]finding.Candidate, 0, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		b, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, errors.E(errors.KindPluginRuntime, op, fmt.Sprintf("encoding record %d", i), err)
		}
		candidates = append(candidates, b)
	}
	return candidates, nil
}

// Close closes the connection.
func (p *GRPCPlugin) Close() error {
	return p.conn.Close()
}

// GRPCServiceDesc describes the plugin service so that a Plugin can be
// served without generated code:
//
//	s := grpc.NewServer()
//	s.RegisterService(&plugin.GRPCServiceDesc, myPlugin)
var GRPCServiceDesc = grpc.ServiceDesc{
	ServiceName: "reconx.plugin.v1.Plugin",
	HandlerType: (*Plugin)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Run",
			Handler:    runHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reconx/plugin/v1/plugin.proto",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, r any) (any, error) {
		target := r.(*structpb.Struct).GetFields()["target"].GetStringValue()
		candidates, err := srv.(Plugin).Run(ctx, target)
		if err != nil {
			return nil, err
		}
		return candidatesToList(candidates)
	}

	if interceptor == nil {
		return handle(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunMethod}
	return interceptor(ctx, req, info, handle)
}

func candidatesToList(candidates []finding.Candidate) (*structpb.ListValue, error) {
	values := make([]any, 0, len(candidates))
	for i, c := range candidates {
		var v any
		if err := json.Unmarshal(c, &v); err != nil {
			return nil, fmt.Errorf("record %d is not JSON: %w", i, err)
		}
		values = append(values, v)
	}
	return structpb.NewList(values)
}

var _ Plugin = (*GRPCPlugin)(nil)
