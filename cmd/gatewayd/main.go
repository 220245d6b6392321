// Command gatewayd runs the MODBUS-TCP-to-telemetry protocol gateway.
package main

func main() {
	Execute()
}
