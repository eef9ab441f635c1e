package logging

import (
	"log"
	"os"
)

var (
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
	Store    = log.New(os.Stdout, "[store] ", log.LstdFlags)
	Blob     = log.New(os.Stdout, "[blob] ", log.LstdFlags)
	Pay      = log.New(os.Stdout, "[pay] ", log.LstdFlags)
	Sweep    = log.New(os.Stdout, "[sweep] ", log.LstdFlags)
)
