package detect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/sysinfo"
	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Resolver maps an IP address back to a hostname.
type Resolver interface {
	LookupAddr(ctx context.Context, ip string) (string, error)
}

// NetResolver performs reverse DNS through the system resolver.
type NetResolver struct{}

// LookupAddr returns the first PTR name for ip, without the trailing
// dot.
func (NetResolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no PTR record for %s", ip)
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// CachedResolver fronts a Resolver with a fixed-size LRU so repeated
// scans do not re-resolve the same peers. Failed lookups are cached as
// empty hostnames; a scan cycle sees each unresolvable IP miss once.
type CachedResolver struct {
	inner Resolver
	cache *lru.Cache[string, string]
}

// NewCachedResolver wraps inner with an LRU of the given size.
func NewCachedResolver(inner Resolver, size int) (*CachedResolver, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	return &CachedResolver{inner: inner, cache: cache}, nil
}

// LookupAddr implements Resolver.
func (r *CachedResolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	if hostname, ok := r.cache.Get(ip); ok {
		return hostname, nil
	}
	hostname, err := r.inner.LookupAddr(ctx, ip)
	if err != nil {
		r.cache.Add(ip, "")
		return "", err
	}
	r.cache.Add(ip, hostname)
	return hostname, nil
}

// NetworkScanner flags established connections to known AI service
// endpoints.
type NetworkScanner struct {
	inspector sysinfo.Inspector
	resolver  Resolver
	services  []ServiceSignature
	logger    *zap.Logger
	now       func() time.Time
}

// NewNetworkScanner builds a scanner over the given inspector and
// resolver. A nil services slice uses the built-in table.
func NewNetworkScanner(inspector sysinfo.Inspector, resolver Resolver, services []ServiceSignature, logger *zap.Logger) *NetworkScanner {
	if services == nil {
		services = DefaultServices()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkScanner{
		inspector: inspector,
		resolver:  resolver,
		services:  services,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Scanner.
func (s *NetworkScanner) Name() string { return "network" }

// Vector implements Scanner.
func (s *NetworkScanner) Vector() threat.Vector { return threat.VectorNetwork }

// Scan walks the established-connection table and matches each remote
// peer against the AI service table.
func (s *NetworkScanner) Scan(ctx context.Context) ([]threat.Record, error) {
	conns, err := s.inspector.Connections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	now := s.now()
	var records []threat.Record
	for _, conn := range conns {
		if !conn.Established() || conn.RemoteIP == "" {
			continue
		}

		hostname, err := s.resolver.LookupAddr(ctx, conn.RemoteIP)
		if err != nil {
			s.logger.Debug("reverse DNS failed",
				zap.String("ip", conn.RemoteIP), zap.Error(err))
			continue
		}

		for _, svc := range s.services {
			if !svc.Match(hostname, conn.RemotePort) {
				continue
			}
			records = append(records, threat.Record{
				ID:          threat.RecordID(strconv.Itoa(conn.PID), conn.RemoteIP),
				Vector:      threat.VectorNetwork,
				Description: fmt.Sprintf("Connection to %s detected", svc.Name),
				Severity:    svc.Severity,
				Evidence: threat.Evidence{
					threat.KeyRemoteIP:    conn.RemoteIP,
					threat.KeyRemotePort:  conn.RemotePort,
					threat.KeyProcessName: conn.ProcessName,
					threat.KeyProcessID:   conn.PID,
					threat.KeyService:     svc.Name,
				},
				DetectedAt: now,
			})
			break
		}
	}
	return records, nil
}
