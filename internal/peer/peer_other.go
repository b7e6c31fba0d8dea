//go:build !linux && !darwin

package peer

func credentials(int) (Cred, error) {
	return Cred{}, ErrUnsupported
}

func parentPID(int) (int, error) {
	return 0, ErrUnsupported
}
