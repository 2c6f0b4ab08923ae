//  Copyright (c) 2014 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the
//  License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing,
//  software distributed under the License is distributed on an "AS
//  IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
//  express or implied. See the License for the specific language
//  governing permissions and limitations under the License.

package channel

import "time"

// Feature is a HELLO capability bit a Channel may request during
// handshake.
type Feature uint16

const (
	FeatureTCPNoDelay Feature = 0x03
	FeatureXAttr      Feature = 0x06
	FeatureSnappy     Feature = 0x0a
	FeatureCollections Feature = 0x12
	FeatureClustermapChangeNotify Feature = 0x17
)

// Options configures one Channel's handshake and steady-state
// behavior. The JSON tags and NewDefaultOptions constructor follow the
// *Options/NewXxxDefaults convention cbgt uses for its own
// DCPFeedParams.
type Options struct {
	ConnectTimeout       time.Duration     `json:"connectTimeout"`
	HandshakeGracePeriod time.Duration     `json:"handshakeGracePeriod"`
	Features             []Feature         `json:"features"`
	DCPControl           map[string]string `json:"dcpControl"`

	// ConnectionBufferSize is the connection_buffer_size value
	// negotiated via DCP_CONTROL; it is also the flow-control window.
	ConnectionBufferSize uint32 `json:"connectionBufferSize"`

	// AckThresholdFraction is the fraction of ConnectionBufferSize at
	// which a DCP_BUFFER_ACK is emitted (default 0.5).
	AckThresholdFraction float64 `json:"ackThresholdFraction"`

	// NoopInterval is the base interval the server negotiates for
	// DCP_NOOP; the client emits its own NOOP every 1.2× this and
	// treats silence for 2× this as a stall.
	NoopInterval time.Duration `json:"noopInterval"`
}

// NewDefaultOptions returns the Options this module uses unless the
// caller overrides them, mirroring cbgt's NewDCPFeedParams defaults.
func NewDefaultOptions() Options {
	return Options{
		ConnectTimeout:       10 * time.Second,
		HandshakeGracePeriod: 2000 * time.Millisecond,
		Features: []Feature{
			FeatureTCPNoDelay, FeatureXAttr, FeatureSnappy,
			FeatureCollections, FeatureClustermapChangeNotify,
		},
		DCPControl: map[string]string{
			"enable_noop":      "true",
			"set_noop_interval": "20",
		},
		ConnectionBufferSize: 10 * 1024 * 1024,
		AckThresholdFraction: 0.5,
		NoopInterval:         20 * time.Second,
	}
}

// AckThreshold returns the absolute unacked-byte count at which an
// ack must be sent.
func (o Options) AckThreshold() uint32 {
	return uint32(float64(o.ConnectionBufferSize) * o.AckThresholdFraction)
}

// Credentials is a SASL username/password pair, looked up by the host
// keyed by host:port.
type Credentials struct {
	Username string
	Password string
}

// CredentialsProvider resolves Credentials for a given node address.
type CredentialsProvider func(addr string) (Credentials, error)

// BackoffOptions configures the exponential backoff applied when a
// connection drops while it is still wanted: by a Channel's own
// caller on redial, and by the Conductor when it self-schedules a
// reconcile after a channel drop or a non-OK stream end.
type BackoffOptions struct {
	Factor   float64       `json:"backoffFactor"`
	SleepMin time.Duration `json:"sleepMin"`
	SleepMax time.Duration `json:"sleepMax"`
}

// NewDefaultBackoffOptions mirrors NewDCPFeedParams' defaults: a
// doubling backoff bounded at 20 seconds.
func NewDefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		Factor:   2.0,
		SleepMin: 100 * time.Millisecond,
		SleepMax: 20 * time.Second,
	}
}

// Next returns the sleep duration for the given retry attempt (0 ==
// first retry), clamped to SleepMax.
func (b BackoffOptions) Next(attempt int) time.Duration {
	if b.SleepMax <= 0 {
		b = NewDefaultBackoffOptions()
	}
	d := float64(b.SleepMin)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	if time.Duration(d) > b.SleepMax || d <= 0 {
		return b.SleepMax
	}
	return time.Duration(d)
}
