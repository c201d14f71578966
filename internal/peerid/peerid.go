// Package peerid generates the 20-byte Azureus-style client identifier
// sent in the handshake and to the tracker.
package peerid

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix is the client identifier: "PC" (Peer Client) version 1000,
// matching the format "-PC1000-" required by spec §6.
const Prefix = "-PC1000-"

// Length is the fixed size of a BitTorrent peer id.
const Length = 20

// --------------------------------------------------------------------------------------------- //

/*
New generates a 20-byte peer id: Prefix followed by 12 decimal digits
derived from a freshly generated UUID. Uniqueness is not guaranteed
across restarts (spec §9 open question) — two processes started in the
same instant could in principle collide, which the wire protocol
tolerates fine since peer-id collisions are not a correctness concern
for a single announce/connect cycle.

Returns:
  - string: a 20-byte ASCII peer id.
*/
func New() string {
	digits := digitsFromUUID(uuid.New())
	return Prefix + digits
}

// --------------------------------------------------------------------------------------------- //

/*
digitsFromUUID renders the first 12 bytes of a UUID (each byte modulo
10) as a fixed string of 12 decimal digits.

Parameters:
  - id: the UUID to derive digits from.

Returns:
  - string: exactly 12 ASCII decimal digits.
*/
func digitsFromUUID(id uuid.UUID) string {
	const want = Length - len(Prefix)

	var b strings.Builder
	b.Grow(want)

	for _, by := range id {
		b.WriteByte('0' + by%10)
		if b.Len() == want {
			break
		}
	}

	for b.Len() < want {
		b.WriteByte('0')
	}

	return b.String()
}
