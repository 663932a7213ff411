// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads cowork configuration.
//
// Configuration comes from a single YAML file named by the COWORK_CONFIG
// environment variable or the --config flag of a command. There is no
// discovery and no environment-variable override of individual values.
//
// The file has a relay section (used by cowork-relay) and a peer section
// (used by hosts and guests). Optional development and production
// sections override the base values when the file's environment field
// matches.
package config
