package pkg

import "fmt"

var (
	// These variables are here only to show current version. They are set in makefile during build process
	TxseqVersion         = "devel"
	GitRevision          = "devel"
	TxseqVersionRevision = fmt.Sprintf("%s-%s", TxseqVersion, GitRevision)
)
