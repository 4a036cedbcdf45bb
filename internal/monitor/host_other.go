//go:build !linux

package monitor

func readBattery(string) (int, bool, bool) { return 0, false, false }

func ProcessRSS() (uint64, bool) { return 0, false }
