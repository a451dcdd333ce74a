package netbuf

// Discard is a Sink that drops everything written to it, keeping only the
// byte count. Blocked and busy responses still drain the client's request;
// draining into a Discard avoids taking a pooled buffer for traffic that
// will never be parsed.
type Discard struct {
	n int
}

func (d *Discard) PutBytes(p []byte) {
	d.n += len(p)
}

func (d *Discard) Written() int {
	return d.n
}
