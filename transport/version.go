// Package transport implements the SSH-2 packet engine (L2) and KEX state
// machine (L3): version exchange, algorithm negotiation, key exchange,
// authenticated packet framing, rekeying, and compression.
//
// Copyright (c) 2017-2019 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
//
// golang implementation by Russ Magee (rmagee_at_gmail.com)
package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ProtoVersion is this core's identification string component, following
// RFC 4253 §4.2's "SSH-protoversion-softwareversion[ SP comments]" form.
const ProtoVersion = "2.0"

// SoftwareVersion names this implementation on the wire.
const SoftwareVersion = "xssh_1.0"

// maxBannerLines bounds how many non-version lines a peer may send before
// the version string, guarding against a peer that never sends one.
const maxBannerLines = 20

// maxLineLen is the longest a single banner/version line may be (RFC 4253
// §4.2 caps the version string itself at 255 bytes including CR LF).
const maxLineLen = 255

// localVersionString returns this core's own identification line, with an
// optional trailing comment (e.g. a build id).
func localVersionString(comment string) string {
	if comment == "" {
		return fmt.Sprintf("SSH-%s-%s", ProtoVersion, SoftwareVersion)
	}
	return fmt.Sprintf("SSH-%s-%s %s", ProtoVersion, SoftwareVersion, comment)
}

// exchangeVersions sends our identification string and reads the peer's,
// skipping any pre-version banner lines a server may send per RFC 4253
// §4.2. Returns both raw lines (sans CR LF) for use as exchange-hash
// inputs.
func exchangeVersions(rw io.ReadWriter, comment string) (local, remote string, err error) {
	local = localVersionString(comment)
	if _, err = io.WriteString(rw, local+"\r\n"); err != nil {
		return "", "", errors.Wrap(err, "transport: writing version string")
	}

	r := bufio.NewReaderSize(rw, maxLineLen+2)
	for i := 0; i < maxBannerLines; i++ {
		line, err := readLine(r)
		if err != nil {
			return "", "", errors.Wrap(err, "transport: reading peer version string")
		}
		if strings.HasPrefix(line, "SSH-") {
			remote = line
			return local, remote, nil
		}
		// else: discard banner line and keep looking
	}
	return "", "", errors.New("transport: peer never sent a version string")
}

// ExchangeVersions performs the version-string exchange over rw and
// rejects a peer declaring an incompatible protocol version, per RFC 4253
// §4.2. This is the entry point the session package's connection setup
// calls; exchangeVersions itself stays unexported since nothing outside
// this package needs the raw, unvalidated exchange.
func ExchangeVersions(rw io.ReadWriter, comment string) (local, remote string, err error) {
	local, remote, err = exchangeVersions(rw, comment)
	if err != nil {
		return "", "", err
	}
	pv, perr := parseVersion(remote)
	if perr != nil {
		return "", "", perr
	}
	if !pv.compatible() {
		return "", "", errors.Errorf("transport: incompatible peer protocol version %q", pv.ProtoVersion)
	}
	return local, remote, nil
}

func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for sb.Len() < maxLineLen {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			s := sb.String()
			return strings.TrimSuffix(s, "\r"), nil
		}
		sb.WriteByte(b)
	}
	return "", errors.New("transport: version/banner line exceeds maximum length")
}

// parsedVersion splits a peer's "SSH-protoversion-softwareversion ..."
// identification line.
type parsedVersion struct {
	ProtoVersion    string
	SoftwareVersion string
	Comment         string
}

func parseVersion(line string) (parsedVersion, error) {
	if !strings.HasPrefix(line, "SSH-") {
		return parsedVersion{}, errors.New("transport: malformed version string")
	}
	rest := line[len("SSH-"):]
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 {
		return parsedVersion{}, errors.New("transport: malformed version string")
	}
	pv := parsedVersion{ProtoVersion: parts[0]}
	swAndComment := strings.SplitN(parts[1], " ", 2)
	pv.SoftwareVersion = swAndComment[0]
	if len(swAndComment) == 2 {
		pv.Comment = swAndComment[1]
	}
	return pv, nil
}

// compatible reports whether a peer's protocol version is one this core
// can interoperate with (2.0, and the historical 1.99 compatibility marker
// some implementations send).
func (pv parsedVersion) compatible() bool {
	return pv.ProtoVersion == "2.0" || pv.ProtoVersion == "1.99"
}
