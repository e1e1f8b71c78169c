// drvcheck is a bench test for the gate driver and ADC: it checks the SPI
// link, programs the driver, dumps its registers and optionally reports ADC
// channel statistics for setting the sensor biases.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi"

	"github.com/tigerbot-team/foc-controller/pkg/config"
	"github.com/tigerbot-team/foc-controller/pkg/drv8323"
	"github.com/tigerbot-team/foc-controller/pkg/ltc1408"
	"github.com/tigerbot-team/foc-controller/pkg/spibus"
)

var (
	reads      = flag.Int("reads", 0, "bus check reads (0 uses the configured count)")
	adcSamples = flag.Int("adc", 0, "ADC samples to collect after setup")
)

func main() {
	flag.Parse()

	cfgPath := os.Getenv("FOC_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/foc/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *reads == 0 {
		*reads = cfg.Driver.CheckReads
	}

	bus := spibus.New()
	defer bus.Close()

	conn, err := bus.Open(cfg.Driver.SPIDevice, cfg.Driver.SPIFrequencyHz, spi.Mode1)
	if err != nil {
		log.Fatal(err)
	}
	enable := gpioreg.ByName(cfg.Driver.EnablePin)
	if enable == nil {
		log.Fatalf("No GPIO named %q", cfg.Driver.EnablePin)
	}
	if err := enable.Out(gpio.High); err != nil {
		log.Fatal(err)
	}
	defer enable.Out(gpio.Low)
	time.Sleep(time.Millisecond)

	drv := drv8323.New(conn)
	if _, err := drv.CheckDriver(*reads); err != nil {
		log.Fatal(err)
	}
	if err := drv.Setup(drv8323.DefaultSetup()); err != nil {
		log.Fatal(err)
	}
	dumpRegisters(drv)
	if _, err := drv.ReportStatus(); err != nil {
		log.Fatal(err)
	}

	if *adcSamples > 0 {
		sampleADC(cfg, bus)
	}
}

func dumpRegisters(drv *drv8323.Device) {
	for _, a := range []drv8323.Address{
		drv8323.AddrDriveControl,
		drv8323.AddrGateHS,
		drv8323.AddrGateLS,
		drv8323.AddrOCPControl,
		drv8323.AddrCSAControl,
	} {
		v, err := drv.ReadRegister(a)
		if err != nil {
			log.Fatal(err)
		}
		var decoded interface{}
		switch a {
		case drv8323.AddrDriveControl:
			decoded = drv8323.DecodeDriveControl(v)
		case drv8323.AddrGateHS:
			decoded = drv8323.DecodeGateHS(v)
		case drv8323.AddrGateLS:
			decoded = drv8323.DecodeGateLS(v)
		case drv8323.AddrOCPControl:
			decoded = drv8323.DecodeOCPControl(v)
		case drv8323.AddrCSAControl:
			decoded = drv8323.DecodeCSAControl(v)
		}
		log.Printf("Register %d = %#05x %+v", a, v, decoded)
	}
}

// sampleADC reads the ADC with the outputs off.  The means are the sensor
// biases.
func sampleADC(cfg config.Config, bus *spibus.Bus) {
	conn, err := bus.Open(cfg.ADC.SPIDevice, cfg.ADC.SPIFrequencyHz, spi.Mode1)
	if err != nil {
		log.Fatal(err)
	}
	conv, err := ltc1408.LookupConvPin(cfg.ADC.ConvPin)
	if err != nil {
		log.Fatal(err)
	}
	adc, err := ltc1408.New(conn, conv, cfg.Channels.Count)
	if err != nil {
		log.Fatal(err)
	}

	n := cfg.Channels.Count
	sum := make([]float64, n)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i := range lo {
		lo[i], hi[i] = math.Inf(1), math.Inf(-1)
	}
	start := time.Now()
	for s := 0; s < *adcSamples; s++ {
		v, err := adc.Read()
		if err != nil {
			log.Fatal(err)
		}
		for ch := 0; ch < n; ch++ {
			sum[ch] += v[ch]
			lo[ch] = math.Min(lo[ch], v[ch])
			hi[ch] = math.Max(hi[ch], v[ch])
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d samples in %v (%.0f/s)\n", *adcSamples, elapsed, float64(*adcSamples)/elapsed.Seconds())
	for ch := 0; ch < n; ch++ {
		fmt.Printf("ch%d: mean %.4fV min %.4fV max %.4fV\n", ch, sum[ch]/float64(*adcSamples), lo[ch], hi[ch])
	}
}
