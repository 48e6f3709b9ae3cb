package test

import (
	"stm/observability"
)

func DisableLogging() {
	observability.DisableLogging()
}
