package obd

import "strings"

var dtcDescriptions = map[string]string{
	// Fuel and air metering
	"P0100": "Mass or Volume Air Flow Circuit Malfunction",
	"P0101": "Mass Air Flow Circuit Range/Performance",
	"P0102": "Mass Air Flow Circuit Low Input",
	"P0103": "Mass Air Flow Circuit High Input",
	"P0105": "Manifold Absolute Pressure Circuit Malfunction",
	"P0106": "Manifold Absolute Pressure Range/Performance",
	"P0107": "Manifold Absolute Pressure Circuit Low Input",
	"P0108": "Manifold Absolute Pressure Circuit High Input",
	"P0110": "Intake Air Temperature Circuit Malfunction",
	"P0115": "Engine Coolant Temperature Circuit Malfunction",
	"P0117": "Engine Coolant Temperature Circuit Low Input",
	"P0118": "Engine Coolant Temperature Circuit High Input",
	"P0120": "Throttle Position Sensor Circuit Malfunction",
	"P0128": "Coolant Thermostat Below Regulating Temperature",
	"P0130": "O2 Sensor Circuit Malfunction (Bank 1 Sensor 1)",
	"P0133": "O2 Sensor Circuit Slow Response (Bank 1 Sensor 1)",
	"P0135": "O2 Sensor Heater Circuit Malfunction (Bank 1 Sensor 1)",
	"P0141": "O2 Sensor Heater Circuit Malfunction (Bank 1 Sensor 2)",
	"P0044": "HO2S Heater Control Circuit High (Bank 1 Sensor 3)",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0174": "System Too Lean (Bank 2)",
	"P0175": "System Too Rich (Bank 2)",

	// Ignition and misfire
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0305": "Cylinder 5 Misfire Detected",
	"P0306": "Cylinder 6 Misfire Detected",
	"P0307": "Cylinder 7 Misfire Detected",
	"P0308": "Cylinder 8 Misfire Detected",
	"P0325": "Knock Sensor 1 Circuit Malfunction",
	"P0335": "Crankshaft Position Sensor A Circuit Malfunction",
	"P0340": "Camshaft Position Sensor Circuit Malfunction",

	// Emissions
	"P0401": "Exhaust Gas Recirculation Flow Insufficient",
	"P0402": "Exhaust Gas Recirculation Flow Excessive",
	"P0420": "Catalyst System Efficiency Below Threshold (Bank 1)",
	"P0430": "Catalyst System Efficiency Below Threshold (Bank 2)",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0441": "Evaporative Emission Control System Incorrect Purge Flow",
	"P0442": "Evaporative Emission Control System Leak Detected (Small)",
	"P0443": "Evaporative Emission Control System Purge Control Valve Circuit",
	"P0455": "Evaporative Emission Control System Leak Detected (Large)",

	// Speed and idle
	"P0500": "Vehicle Speed Sensor Malfunction",
	"P0505": "Idle Control System Malfunction",
	"P0506": "Idle Control System RPM Lower Than Expected",
	"P0507": "Idle Control System RPM Higher Than Expected",
	"P0562": "System Voltage Low",
	"P0563": "System Voltage High",

	// Transmission
	"P0700": "Transmission Control System Malfunction",
	"P0715": "Input/Turbine Speed Sensor Circuit Malfunction",

	// Chassis
	"C0035": "Left Front Wheel Speed Sensor Circuit",
	"C0040": "Right Front Wheel Speed Sensor Circuit",
	"C1A00": "TPMS Control Module Malfunction",
	"C1A01": "TPMS Module Configuration Error",
	"C1A02": "TPMS RF Receiver Malfunction",
	"C2100": "Tire Pressure Too Low - Left Front",
	"C2101": "Tire Pressure Too Low - Right Front",
	"C2102": "Tire Pressure Too Low - Right Rear",
	"C2103": "Tire Pressure Too Low - Left Rear",

	// Body
	"B1000": "Body Control Module Malfunction",
	"B1342": "ECU Defective",
	"B1600": "Ignition Switch Malfunction",

	// Network
	"U0001": "High Speed CAN Communication Bus",
	"U0100": "Lost Communication With ECM/PCM",
	"U0101": "Lost Communication With TCM",
	"U0121": "Lost Communication With ABS Module",
	"U0140": "Lost Communication With Body Control Module",
	"U0155": "Lost Communication With Instrument Cluster",
}

// Describe looks up a human readable description for a trouble code.
func Describe(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if desc, ok := dtcDescriptions[code]; ok {
		return desc, true
	}
	if strings.HasPrefix(code, "C1A") || strings.HasPrefix(code, "C2") {
		return "TPMS/Tire Pressure Related Code", true
	}
	return "", false
}
