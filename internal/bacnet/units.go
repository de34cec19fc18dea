package bacnet

import "strings"

// EngineeringUnits is a BACnetEngineeringUnits enumeration value.
type EngineeringUnits uint32

// Engineering units the hub can translate from home-automation unit strings.
const (
	UnitsMilliamperes         EngineeringUnits = 2
	UnitsAmperes              EngineeringUnits = 3
	UnitsVolts                EngineeringUnits = 5
	UnitsKilovolts            EngineeringUnits = 6
	UnitsWattHours            EngineeringUnits = 18
	UnitsKilowattHours        EngineeringUnits = 19
	UnitsHertz                EngineeringUnits = 27
	UnitsMillimeters          EngineeringUnits = 30
	UnitsMeters               EngineeringUnits = 31
	UnitsLuxes                EngineeringUnits = 37
	UnitsWatts                EngineeringUnits = 47
	UnitsKilowatts            EngineeringUnits = 48
	UnitsPascals              EngineeringUnits = 53
	UnitsKilopascals          EngineeringUnits = 54
	UnitsBars                 EngineeringUnits = 55
	UnitsDegreesCelsius       EngineeringUnits = 62
	UnitsDegreesKelvin        EngineeringUnits = 63
	UnitsDegreesFahrenheit    EngineeringUnits = 64
	UnitsMetersPerSecond      EngineeringUnits = 74
	UnitsKilometersPerHour    EngineeringUnits = 75
	UnitsCubicMetersPerSecond EngineeringUnits = 85
	UnitsLitersPerMinute      EngineeringUnits = 88
	UnitsNoUnits              EngineeringUnits = 95
	UnitsPartsPerMillion      EngineeringUnits = 96
	UnitsPercent              EngineeringUnits = 98
	UnitsCentimeters          EngineeringUnits = 118
	UnitsMillivolts           EngineeringUnits = 124
	UnitsKilohertz            EngineeringUnits = 129
	UnitsMegahertz            EngineeringUnits = 130
	UnitsMillibars            EngineeringUnits = 134
	UnitsCubicMetersPerHour   EngineeringUnits = 135
	UnitsLitersPerHour        EngineeringUnits = 136
)

var haUnits = map[string]EngineeringUnits{
	"°c":    UnitsDegreesCelsius,
	"°f":    UnitsDegreesFahrenheit,
	"k":     UnitsDegreesKelvin,
	"%":     UnitsPercent,
	"w":     UnitsWatts,
	"kw":    UnitsKilowatts,
	"v":     UnitsVolts,
	"mv":    UnitsMillivolts,
	"kv":    UnitsKilovolts,
	"a":     UnitsAmperes,
	"ma":    UnitsMilliamperes,
	"hz":    UnitsHertz,
	"khz":   UnitsKilohertz,
	"mhz":   UnitsMegahertz,
	"pa":    UnitsPascals,
	"kpa":   UnitsKilopascals,
	"mbar":  UnitsMillibars,
	"bar":   UnitsBars,
	"ppm":   UnitsPartsPerMillion,
	"lx":    UnitsLuxes,
	"m³/h":  UnitsCubicMetersPerHour,
	"m3/h":  UnitsCubicMetersPerHour,
	"m³/s":  UnitsCubicMetersPerSecond,
	"m3/s":  UnitsCubicMetersPerSecond,
	"l/min": UnitsLitersPerMinute,
	"l/h":   UnitsLitersPerHour,
	"wh":    UnitsWattHours,
	"kwh":   UnitsKilowattHours,
	"m":     UnitsMeters,
	"cm":    UnitsCentimeters,
	"mm":    UnitsMillimeters,
	"m/s":   UnitsMetersPerSecond,
	"km/h":  UnitsKilometersPerHour,
}

// UnitsFromHA maps a home-automation unit_of_measurement string to BACnet
// engineering units. Matching is case-insensitive; "° C" and " C" spellings
// of Celsius/Fahrenheit are normalised. Unknown or empty units yield
// UnitsNoUnits.
func UnitsFromHA(uom string) EngineeringUnits {
	key := strings.ToLower(strings.TrimSpace(uom))
	if key == "" {
		return UnitsNoUnits
	}
	key = strings.NewReplacer("° c", "°c", "° f", "°f").Replace(key)
	if u, ok := haUnits[key]; ok {
		return u
	}
	return UnitsNoUnits
}

// DefaultCOVIncrement picks a change-of-value threshold suited to a unit.
// Unknown units use 0.5.
func DefaultCOVIncrement(uom string) float64 {
	switch strings.NewReplacer("° c", "°c", "° f", "°f").Replace(strings.ToLower(strings.TrimSpace(uom))) {
	case "°c", "°f", "k":
		return 0.2
	case "%":
		return 2.0
	case "w", "mv":
		return 5.0
	case "kw", "kwh", "a", "kpa", "mbar", "bar":
		return 0.1
	case "v":
		return 0.5
	case "kv":
		return 0.01
	case "ma":
		return 1.0
	case "pa", "lx":
		return 10.0
	case "ppm":
		return 50.0
	case "wh":
		return 100.0
	default:
		return 0.5
	}
}
