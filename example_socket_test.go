//go:build linux || darwin

package apartment_test

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-apartment"
	"golang.org/x/sys/unix"
)

type echoDelegate struct {
	lines chan<- string
}

func (x echoDelegate) OnReadable(s *apartment.Socket) {
	var buf [128]byte
	if n, err := s.Read(buf[:]); err == nil {
		x.lines <- string(buf[:n])
	}
}

func (echoDelegate) OnWritable(*apartment.Socket) {}

func (echoDelegate) OnException(*apartment.Socket) {}

func ExampleSocketMonitor() {
	rt, err := apartment.Init()
	if err != nil {
		panic(err)
	}
	defer rt.Release(context.Background())

	worker, err := apartment.NewWorker()
	if err != nil {
		panic(err)
	}
	defer worker.WaitForShutdown()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		panic(err)
	}
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		panic(err)
	}

	lines := make(chan string, 1)
	socket, err := apartment.NewSocket(fds[0], apartment.Strong[apartment.SocketDelegate](echoDelegate{lines}), worker.Queue())
	if err != nil {
		panic(err)
	}
	defer socket.Close()

	if err := rt.Sockets().MonitorBegin(socket, true, false, false); err != nil {
		panic(err)
	}

	if _, err := unix.Write(fds[1], []byte(`ping`)); err != nil {
		panic(err)
	}
	fmt.Println(<-lines)

	//output:
	//ping
}
