package netinfo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun"
	"go.uber.org/multierr"
)

// ErrNoSTUNServer is returned when no server was configured.
var ErrNoSTUNServer = errors.New("no stun server configured")

// DiscoverPublicIP asks each server in turn for this host's reflexive
// address and returns the first answer.
func DiscoverPublicIP(ctx context.Context, servers []string) (net.IP, error) {
	if len(servers) == 0 {
		return nil, ErrNoSTUNServer
	}
	var errs error
	for _, server := range servers {
		ip, err := queryServer(ctx, server)
		if err == nil {
			return ip, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs
}

func queryServer(ctx context.Context, server string) (net.IP, error) {
	client, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, err
	}
	type answer struct {
		ip  net.IP
		err error
	}
	result := make(chan answer, 1)
	go func() {
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var got answer
		err := client.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				got.err = ev.Error
				return
			}
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(ev.Message); err != nil {
				got.err = err
				return
			}
			got.ip = mapped.IP
		})
		if err != nil {
			got.err = err
		}
		result <- got
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return nil, ctx.Err()
	case got := <-result:
		_ = client.Close()
		if got.err != nil {
			return nil, got.err
		}
		if got.ip == nil {
			return nil, errors.New("empty binding response")
		}
		return got.ip, nil
	}
}
