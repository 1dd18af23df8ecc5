package audit

import "github.com/kagehq/keys-sub000/pkg/credential"

// Redact pseudonymises the identifying fields of a record before it leaves
// the broker. Equal inputs under the same salt hash equally, so exported
// records can still be grouped by agent.
func Redact(rec Record, salt []byte) Record {
	rec.Agent = hashString(rec.Agent, salt)
	rec.CredentialID = hashString(rec.CredentialID, salt)
	if rec.Error != "" {
		rec.Error = "redacted"
	}
	return rec
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return credential.Fingerprint(v, salt)
}
