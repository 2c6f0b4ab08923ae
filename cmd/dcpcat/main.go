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

// Command dcpcat streams a Couchbase bucket's DCP changes to stdout as
// JSON lines, one per mutation or deletion, resuming from a saved
// SessionState on every subsequent run against the same -dataDir.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/blugelabs/dcpstream"
	"github.com/blugelabs/dcpstream/session"
	"github.com/blugelabs/dcpstream/streamstate"
)

func main() {
	nodes := flag.String("nodes", "127.0.0.1:11210", "comma-separated seed node host:port list")
	bucket := flag.String("bucket", "", "bucket name (required)")
	username := flag.String("username", "", "SASL username, empty for cluster-local auth")
	password := flag.String("password", "", "SASL password")
	vbucketsFlag := flag.String("vbuckets", "all", `comma-separated vbucket ids, or "all"`)
	collectionsAware := flag.Bool("collectionsAware", false, "deliver collections system events to the listener")
	dataDir := flag.String("dataDir", ".", "directory to persist session state and instance id in")
	flag.Parse()

	if *bucket == "" {
		fmt.Fprintln(os.Stderr, "dcpcat: -bucket is required")
		os.Exit(1)
	}

	uuid, err := instanceUUID("dcpcat", *dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := dcpstream.NewStdLibLog(os.Stderr, fmt.Sprintf("dcpcat[%s] ", uuid), 0)

	opts := dcpstream.NewDefaultClientOptions()
	opts.SeedNodes = strings.Split(*nodes, ",")
	opts.Bucket = *bucket
	opts.CollectionsAware = *collectionsAware
	opts.Logger = logger
	if *username != "" {
		creds := dcpstream.Credentials{Username: *username, Password: *password}
		opts.Credentials = func(string) (dcpstream.Credentials, error) { return creds, nil }
	}

	client, err := dcpstream.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dcpcat:", err)
		os.Exit(1)
	}

	statePath := *dataDir + string(os.PathSeparator) + session.SessionStateFilename
	if buf, err := ioutil.ReadFile(statePath); err == nil {
		if err := client.RestoreSessionState(buf); err != nil {
			fmt.Fprintln(os.Stderr, "dcpcat: restoring session state:", err)
			os.Exit(1)
		}
	}

	client.SetListener(&jsonLineListener{enc: json.NewEncoder(os.Stdout)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dcpcat: connect:", err)
		os.Exit(1)
	}

	vbuckets, err := resolveVBuckets(ctx, client, *vbucketsFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dcpcat:", err)
		os.Exit(1)
	}
	if err := client.StreamPartitions(ctx, vbuckets, dcpstream.Infinity); err != nil {
		fmt.Fprintln(os.Stderr, "dcpcat: stream-partitions:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	buf, err := client.SessionState()
	if err == nil {
		_ = ioutil.WriteFile(statePath, buf, 0600)
	}
	client.Close()
}

func resolveVBuckets(ctx context.Context, client *dcpstream.Client, spec string) ([]uint16, error) {
	if spec == "all" {
		n, err := client.NumPartitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving -vbuckets=all: %w", err)
		}
		vbs := make([]uint16, n)
		for i := range vbs {
			vbs[i] = uint16(i)
		}
		return vbs, nil
	}

	parts := strings.Split(spec, ",")
	vbs := make([]uint16, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parsing -vbuckets %q: %w", spec, err)
		}
		vbs = append(vbs, uint16(n))
	}
	return vbs, nil
}

// jsonLineListener writes one JSON object per delivered event to
// stdout. It embeds NoopListener so it only needs to override the
// callbacks dcpcat actually prints.
type jsonLineListener struct {
	dcpstream.NoopListener
	enc *json.Encoder
}

type changeRecord struct {
	Type     string `json:"type"`
	VBucket  uint16 `json:"vbucket"`
	Key      string `json:"key"`
	Cas      uint64 `json:"cas"`
	BySeqno  uint64 `json:"bySeqno"`
	RevSeqno uint64 `json:"revSeqno"`
	Value    string `json:"value,omitempty"`
}

func (l *jsonLineListener) OnMutation(m *streamstate.Mutation) {
	l.write("mutation", m, true)
}

func (l *jsonLineListener) OnDeletion(m *streamstate.Mutation) {
	l.write("deletion", m, false)
}

func (l *jsonLineListener) write(kind string, m *streamstate.Mutation, withValue bool) {
	rec := changeRecord{
		Type:     kind,
		VBucket:  m.VBucket,
		Key:      string(m.Key),
		Cas:      m.Cas,
		BySeqno:  m.BySeqno,
		RevSeqno: m.RevSeqno,
	}
	if withValue {
		rec.Value = string(m.Value)
	}
	_ = l.enc.Encode(rec)
}

func (l *jsonLineListener) OnFailure(vbucket uint16, err error) {
	fmt.Fprintf(os.Stderr, "dcpcat: vbucket %d: %v\n", vbucket, err)
}

func (l *jsonLineListener) OnRollback(vbucket uint16, suggestedSeqno uint64) (*uint64, bool) {
	fmt.Fprintf(os.Stderr, "dcpcat: vbucket %d: rolling back to %d\n", vbucket, suggestedSeqno)
	return nil, false
}

var _ dcpstream.DatabaseChangeListener = (*jsonLineListener)(nil)
