// Package allocation verteilt Kapital auf mehrere Venues (Multi-Position-Modus).
//
// Unterstützt gleichverteilte, renditegewichtete und risikogewichtete Pläne.
// Beträge sind Lamports (big.Int); Gewichte werden nur an der Grenze
// capital × weight in Ganzzahlen umgerechnet und abgeschnitten.
package allocation
