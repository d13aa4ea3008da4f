package tiercache

import "strconv"

// Identifier names one entity: either a numeric entity ID or an opaque
// token. The kind is resolved once at the call boundary and never
// re-inferred downstream; a cache instance accepts only the kind
// matching its TokenBased option, since key construction and expiry
// tracking must agree on the identifier form to reconcile.
type Identifier struct {
	id      int64
	token   string
	byToken bool
}

func ByID(id int64) Identifier       { return Identifier{id: id} }
func ByToken(tok string) Identifier  { return Identifier{token: tok, byToken: true} }
func (i Identifier) IsToken() bool   { return i.byToken }

// String renders the key segment for this identifier.
func (i Identifier) String() string {
	if i.byToken {
		return i.token
	}
	return strconv.FormatInt(i.id, 10)
}

// ID returns the numeric ID; ok=false for token identifiers.
func (i Identifier) ID() (int64, bool) { return i.id, !i.byToken }

// Entity is one row of the entity population iterated by batch jobs.
type Entity struct {
	ID    int64
	Token string
}

// Identifier picks the key form matching tokenBased.
func (e Entity) Identifier(tokenBased bool) Identifier {
	if tokenBased {
		return ByToken(e.Token)
	}
	return ByID(e.ID)
}
