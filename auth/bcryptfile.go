package auth

import (
	"bytes"
	"encoding/csv"

	"github.com/jameskeane/bcrypt"

	"blitter.com/go/xssh/wire"
)

// BcryptFileMethod builds a "password" Method backed by a flat CSV
// credential file (username:salt:hash, '#'-commented, ':'-separated) —
// the format xspasswd.go wrote — rather than /etc/shadow. It exists for
// deployments that want account management independent of the host's
// system accounts, the same niche the teacher's own hkexsh demo server
// used it for.
//
// Grounded on the teacher's xspasswd.go (the CSV layout and
// jameskeane/bcrypt verification) and root auth.go's AuthUserByPasswd
// (the password-method shape PasswordMethod above already generalizes).
func BcryptFileMethod(path string) Method {
	return func(ctx *Ctx, username, service string, methodData []byte) (Result, error) {
		b := wire.NewFromBytes(methodData)
		_ = b.GetBool() // change-password flag, same as PasswordMethod
		password := string(b.GetString())

		data, err := ctx.ReadFile(path)
		if err != nil {
			return Result{}, err
		}

		hash, found := lookupBcryptHash(data, username)
		if !found {
			return Result{Success: false}, nil
		}
		if !bcrypt.Match(password, hash) {
			return Result{Success: false}, nil
		}
		return Result{Success: true}, nil
	}
}

func lookupBcryptHash(data []byte, username string) (hash string, found bool) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ':'
	r.Comment = '#'
	r.FieldsPerRecord = 3

	records, err := r.ReadAll()
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		if rec[0] == username {
			return rec[2], true
		}
	}
	return "", false
}
