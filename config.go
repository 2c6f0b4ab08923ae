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

package dcpstream

import (
	"os"
	"strconv"
	"time"

	"github.com/blugelabs/dcpstream/channel"
)

// Credentials and CredentialsProvider are the channel package's types
// re-exported at the host-facing boundary, so a caller never has
// to import the channel package directly just to build a ClientOptions.
type Credentials = channel.Credentials
type CredentialsProvider = channel.CredentialsProvider

// BackoffOptions is the channel package's backoff configuration,
// re-exported at the host-facing boundary: the Client applies it to
// bootstrap redial (Client.bootstrapClusterMap) and passes it to the
// Conductor, which applies it to the self-scheduled reconcile/redial
// it runs after a channel drop or a non-OK stream end (see
// conductor.Options.ReconnectBackoff).
type BackoffOptions = channel.BackoffOptions

// NewDefaultBackoffOptions mirrors NewDCPFeedParams' defaults: a
// doubling backoff bounded at 20 seconds.
func NewDefaultBackoffOptions() BackoffOptions {
	return channel.NewDefaultBackoffOptions()
}

// RollbackMitigationOptions enables rollback mitigation: events are withheld from the
// listener until a PersistencePollingHandler confirms they are
// persisted. ReplicaCount > 0 would additionally require N replicas to
// have persisted the seqno; this module tracks only the active node's
// persisted seqno (the Client polls it with OBSERVE_SEQNO against the
// channel that owns the vbucket) and records the count purely as a
// label for that policy.
type RollbackMitigationOptions struct {
	Enabled      bool
	ReplicaCount int
	PollInterval time.Duration
}

// ClientOptions configures a Client at construction time. JSON tags
// and a NewDefaultClientOptions constructor follow the same
// *Options/NewXxxDefaults convention as channel.Options.
type ClientOptions struct {
	SeedNodes   []string            `json:"seedNodes"`
	Bucket      string              `json:"bucket"`
	Credentials CredentialsProvider `json:"-"`

	ChannelOptions channel.Options `json:"channelOptions"`

	CollectionsAware  bool              `json:"collectionsAware"`
	CollectionsFilter func(uint32) bool `json:"-"`

	FlowControlMode channel.FlowControlMode `json:"flowControlMode"`

	ReconnectBackoff   BackoffOptions            `json:"reconnectBackoff"`
	RollbackMitigation RollbackMitigationOptions `json:"rollbackMitigation"`

	// ConnectCallbackGracePeriod is the one process-environment-
	// sourced knob this module exposes: extra time allowed beyond
	// ChannelOptions.ConnectTimeout for a dial's completion callback
	// to run before the handshake deadline is considered expired.
	// Read once at NewDefaultClientOptions time from
	// DCPSTREAM_CONNECT_CALLBACK_GRACE_PERIOD_MS; a caller can still
	// override the field directly afterward.
	ConnectCallbackGracePeriod time.Duration `json:"connectCallbackGracePeriodMs"`

	Logger Log `json:"-"`
}

const connectCallbackGracePeriodEnvVar = "DCPSTREAM_CONNECT_CALLBACK_GRACE_PERIOD_MS"

// NewDefaultClientOptions returns the options this module uses unless
// the caller overrides them.
func NewDefaultClientOptions() ClientOptions {
	grace := 2000 * time.Millisecond
	if v := os.Getenv(connectCallbackGracePeriodEnvVar); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			grace = time.Duration(ms) * time.Millisecond
		}
	}

	return ClientOptions{
		ChannelOptions:             channel.NewDefaultOptions(),
		FlowControlMode:            channel.FlowControlAuto,
		ReconnectBackoff:           NewDefaultBackoffOptions(),
		ConnectCallbackGracePeriod: grace,
		Logger:                     NopLog,
	}
}
