package sensor

// Address is the 7-bit I²C address of the TSL2585.
const Address = 0x39

// ChipID is the value of the ID register.
const ChipID = 0x5C

const (
	regEnable          = 0x80
	regMeasMode0       = 0x81
	regMeasMode1       = 0x82
	regSampleTime0     = 0x83
	regSampleTime1     = 0x84
	regAlsNrSamples0   = 0x85
	regAlsNrSamples1   = 0x86
	regID              = 0x92
	regStatus          = 0x93
	regCfg8            = 0xB4
	regModGain0        = 0xB9
	regMeasSeqrModGain = 0xC7
	regModPhdSelect0   = 0xC9
	regModPhdSelect1   = 0xCA
	regModPhdSelect2   = 0xCB
	regAgcNrSamplesLo  = 0xD6
	regAgcNrSamplesHi  = 0xD7
	regModCalibCfg2    = 0xDC
	regIntEnable       = 0xDD
	regModFifoDataCfg0 = 0xDE
	regControl         = 0xFA
	regFifoMap         = 0xFC
	regFifoStatus0     = 0xFD
	regFifoStatus1     = 0xFE
	regFifoData        = 0xFF
)

const (
	enablePowerOn = 0x01
	enableALS     = 0x02

	cfg8AlsAgcEnable = 0x04

	modCalibResidualEnable = 0x80

	intEnableFifo = 0x04

	fifoDataWriteEnable = 0x80
	fifoDataFormat32    = 0x07

	fifoMapAlsStatus  = 0x01
	fifoMapAlsStatus2 = 0x02

	// Gain-table selection: measurement sequencer step 0 uses modulator
	// gain table 0.
	measSeqrGainTable0 = 0x01

	controlFifoClear = 0x02

	fifoStatus1Overflow = 0x80
	fifoStatus1LevelLo  = 0x03

	alsStatusDigitalSat = 0x08
	alsStatusAnalogSat  = 0x10

	status2GainMask = 0x0F
)

// fifoEntrySize is one FIFO record: 32-bit ALS data, ALS_STATUS and
// ALS_STATUS2.
const fifoEntrySize = 6

// maxSampleValue bounds the 11-bit sample time and sample count fields.
const maxSampleValue = 0x7FF
