/*
Package sensor reads the sensors of a smart pot.

A Sensor produces Readings. The telemetry of a reading is one of Temperature,
TemperatureWithHumidity and LightValue. Sensors sit on top of probes, which are the
drivers talking to the hardware. W1Probe reads DS18B20 thermometers through the Linux
1-Wire sysfs interface, Simulated produces plausible values without hardware.

A Reader runs a cycle over all sensors. Each sensor gets a bounded number of attempts,
a sensor which fails all of them is skipped and never stops the cycle.
*/
package sensor
