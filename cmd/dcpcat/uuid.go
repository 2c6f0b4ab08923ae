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

package main

import (
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
)

// instanceUUID reuses a previous "baseName.uuid" file from dataDir if
// one exists, or generates and persists a brand new one. It exists so
// repeated dcpcat runs against the same dataDir tag their log lines
// with a stable identity instead of a fresh one every process start.
func instanceUUID(baseName, dataDir string) (string, error) {
	path := dataDir + string(os.PathSeparator) + baseName + ".uuid"

	if buf, err := ioutil.ReadFile(path); err == nil {
		uuid := strings.TrimSpace(string(buf))
		if uuid == "" {
			return "", fmt.Errorf("dcpcat: could not parse uuid file: %s", path)
		}
		return uuid, nil
	}

	uuid, err := newUUID()
	if err != nil {
		return "", fmt.Errorf("dcpcat: could not generate uuid: %w", err)
	}
	if err := ioutil.WriteFile(path, []byte(uuid), 0600); err != nil {
		return "", fmt.Errorf("dcpcat: could not write uuid file: %s\n"+
			"  Please check that your -dataDir parameter (%q)\n"+
			"  is a writable directory.", path, dataDir)
	}
	return uuid, nil
}

func newUUID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}
