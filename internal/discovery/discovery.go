// Package discovery finds an MQTT broker on the local network over
// mDNS when none is configured.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceMQTT is the DNS-SD service type brokers such as Mosquitto
	// advertise.
	ServiceMQTT = "_mqtt._tcp"

	// Domain is the mDNS browse domain.
	Domain = "local."

	// DefaultTimeout bounds a broker lookup when the caller gives none.
	DefaultTimeout = 5 * time.Second
)

// ErrNotFound is returned when no broker answered before the timeout.
var ErrNotFound = errors.New("no mqtt broker found via mdns")

// Broker is one advertised MQTT broker.
type Broker struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	TLS       bool
}

// URL returns a broker URL suitable for autopaho. A numeric address is
// preferred over the advertised host name so resolution does not
// depend on the system resolver speaking mDNS.
func (b Broker) URL() string {
	host := b.Host
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	host = strings.TrimSuffix(host, ".")
	scheme := "mqtt"
	if b.TLS {
		scheme = "mqtts"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(b.Port))
}

// Browser looks up brokers over mDNS.
type Browser struct {
	// Interface restricts the browse to one network interface.
	Interface string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Find returns the first broker that resolves before the timeout.
func (b *Browser) Find(ctx context.Context) (Broker, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, ServiceMQTT, Domain, entries, removed, b.options()...)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Broker{}, ErrNotFound
			}
			broker, usable := fromEntry(entry)
			if !usable {
				b.logger().Debug("mdns broker entry skipped", "instance", entry.Instance)
				continue
			}
			b.logger().Info("mqtt broker discovered",
				"instance", broker.Instance,
				"url", broker.URL(),
			)
			return broker, nil
		case <-removed:
		case err := <-errc:
			if err != nil {
				return Broker{}, fmt.Errorf("mdns browse %s: %w", ServiceMQTT, err)
			}
			errc = nil
		case <-ctx.Done():
			return Broker{}, ErrNotFound
		}
	}
}

func (b *Browser) options() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.Interface != "" {
		iface, err := net.InterfaceByName(b.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			b.logger().Warn("mdns interface not found, browsing all", "interface", b.Interface, "error", err)
		}
	}
	return opts
}

func (b *Browser) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// fromEntry converts a resolved service entry. Entries without a port
// or any way to reach the host are unusable.
func fromEntry(entry *zeroconf.ServiceEntry) (Broker, bool) {
	if entry == nil || entry.Port <= 0 {
		return Broker{}, false
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 && entry.HostName == "" {
		return Broker{}, false
	}

	return Broker{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		TLS:       txtFlag(entry.Text, "tls"),
	}, true
}

// txtFlag reports whether a key=value TXT record sets key to a true
// value.
func txtFlag(records []string, key string) bool {
	for _, r := range records {
		k, v, found := strings.Cut(r, "=")
		if !found || !strings.EqualFold(k, key) {
			continue
		}
		ok, err := strconv.ParseBool(v)
		return err == nil && ok
	}
	return false
}
