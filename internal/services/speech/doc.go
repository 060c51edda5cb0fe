// Package speech turns approved scripts into audio through a hosted
// text-to-speech API.
package speech
