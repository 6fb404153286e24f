package session

import _ "embed"

//go:embed assets/showlist.html
var showlistHTML []byte
