//go:build !(linux && (arm || arm64))

package indicator

import "fmt"

func openGPIO(pin int) (LED, error) {
	return nil, fmt.Errorf("indicator: gpio %d not supported on this platform", pin)
}
