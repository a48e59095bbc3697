// Command xssh-passwd manages the flat CSV credential file
// auth.BcryptFileMethod reads (username:salt:hash), for deployments that
// want account management independent of the host's /etc/shadow.
//
// Grounded on _examples/isgasho-xs/xspasswd/xspasswd.go: same CSV
// layout, same jameskeane/bcrypt salt/hash, same read-modify-rewrite via
// a temp file and rename — only the password prompt is swapped from the
// teacher's own xs.ReadPassword for this repo's terminal.ReadPassword.
package main

import (
	"bytes"
	"encoding/csv"
	"flag"
	"fmt"
	"os"

	"github.com/jameskeane/bcrypt"

	"blitter.com/go/xssh/terminal"
)

const version = "1.0"

func main() {
	var (
		vopt     bool
		userName string
		pfName   string
	)

	flag.BoolVar(&vopt, "v", false, "show version")
	flag.StringVar(&userName, "u", "", "username")
	flag.StringVar(&pfName, "f", "/etc/xssh.passwd", "passwd `file`")
	flag.Parse()

	if vopt {
		fmt.Printf("xssh-passwd version %s\n", version)
		os.Exit(0)
	}
	if userName == "" {
		fmt.Fprintln(os.Stderr, "xssh-passwd: specify username with -u")
		os.Exit(1)
	}

	fmt.Fprint(os.Stderr, "New Password: ")
	pw1, err := terminal.ReadPassword(os.Stdin.Fd())
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal("reading password: %v", err)
	}

	fmt.Fprint(os.Stderr, "Confirm: ")
	pw2, err := terminal.ReadPassword(os.Stdin.Fd())
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal("reading password: %v", err)
	}
	if string(pw1) != string(pw2) {
		fatal("passwords do not match")
	}

	salt, err := bcrypt.Salt(12)
	if err != nil {
		fatal("bcrypt salt: %v", err)
	}
	hash, err := bcrypt.Hash(string(pw1), salt)
	if err != nil {
		fatal("bcrypt hash: %v", err)
	}

	if err := upsertRecord(pfName, userName, salt, hash); err != nil {
		fatal("updating %s: %v", pfName, err)
	}
}

// upsertRecord rewrites path's username:salt:hash CSV, replacing
// username's record if present or appending a new one, via a temp file
// and rename so a crash mid-write never truncates the real file.
func upsertRecord(path, username, salt, hash string) error {
	records, err := readRecords(path)
	if err != nil {
		return err
	}

	found := false
	for i := range records {
		if records[i][0] == username {
			records[i][1] = salt
			records[i][2] = hash
			found = true
		}
	}
	if !found {
		records = append(records, []string{username, salt, hash})
	}

	out, err := os.CreateTemp(os.TempDir(), "xssh-passwd")
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	w.Comma = ':'
	if err := w.Write([]string{"#username", "salt", "hash"}); err != nil {
		out.Close()
		return err
	}
	if err := w.WriteAll(records); err != nil {
		out.Close()
		return err
	}
	if err := w.Error(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(out.Name(), path)
}

func readRecords(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ':'
	r.Comment = '#'
	r.FieldsPerRecord = 3
	return r.ReadAll()
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "xssh-passwd: "+format+"\n", args...)
	os.Exit(1)
}
