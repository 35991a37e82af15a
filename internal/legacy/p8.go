package legacy

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

// p8Source reads the oldest generation: password-authenticated P8
// servers whose account rows carry the legacy flag. P8 accounts never
// had offline watches, only a stored password in the cookies table,
// possibly encrypted with the old on-device scheme.
type p8Source struct {
	main   *sql.DB
	secret []byte
}

func openP8Source(dir string) (*p8Source, error) {
	main, err := openReadOnly(filepath.Join(dir, MainDBName))
	if err != nil {
		return nil, err
	}

	return &p8Source{main: main, secret: deviceSecret()}, nil
}

func (s *p8Source) Generation() string { return "p8" }

func (s *p8Source) ListAccounts() ([]Record, error) {
	return listSessionRecords(s.main, true)
}

func (s *p8Source) Credential(rec Record) (*Credential, error) {
	row := s.main.QueryRow("select password from cookies where user = ?", rec.AccountID)

	var password sql.NullString
	if err := row.Scan(&password); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("reading legacy password for %s: %w", rec.AccountID, err)
	}

	if !password.Valid || password.String == "" {
		return nil, nil
	}

	plain := password.String
	if strings.HasPrefix(plain, encPrefix) {
		decrypted, err := decryptPassword(plain, s.secret)
		if err != nil {
			// Undecryptable means unrecoverable, not a batch failure.
			return nil, nil
		}
		plain = decrypted
	}

	return &Credential{Password: plain}, nil
}

func (s *p8Source) ListWatches(string) ([]Watch, error) {
	return nil, nil
}

func (s *p8Source) Close() error {
	return s.main.Close()
}
