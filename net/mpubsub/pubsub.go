// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered callback
// together with the address it came from.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"net"
	"net/netip"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

const maxMessageSize = 1024

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type PubSub struct {
	rc         *net.UDPConn
	wc         *net.UDPConn
	serviceMap sync.Map
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// Open joins the multicast group (e.g. "239.192.0.1:39149") on all interfaces.
func Open(group string) (*PubSub, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("mpubsub: %s is not a multicast address", group)
	}

	rc, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}

	wc, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		rc.Close()
		return nil, err
	}

	log.Infof("mpubsub: joined multicast group %s", addr)
	return New(rc, wc), nil
}

func (ps *PubSub) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.sub).Type().Name()
	if sname == "" {
		return fmt.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("mpubsub.Register: type %q is not exported", sname)
	}
	s.name = sname

	// Install the methods
	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		return errors.New("mpubsub.Register: type " + sname + " has no exported methods of suitable type")
	}
	ps.serviceMap.Store(sname, s)

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
	}
	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

var addrPortType = reflect.TypeOf((*netip.AddrPort)(nil)).Elem()

// suitableHandlers accepts methods shaped like func(from netip.AddrPort, msg *T).
func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// Method needs three ins: receiver, source address, *args.
		if mtype.NumIn() != 3 {
			log.Debugf("mpubsub.Register: method %q has %d input parameters; needs exactly three", mname, mtype.NumIn())
			continue
		}
		if mtype.In(1) != addrPortType {
			log.Debugf("mpubsub.Register: first argument of method %q is not netip.AddrPort", mname)
			continue
		}
		argType := mtype.In(2)
		if argType.Kind() != reflect.Pointer {
			log.Errorf("mpubsub.Register: argument type of method %q is not a pointer: %q", mname, argType)
			continue
		}
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("mpubsub.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		if mtype.NumOut() != 0 {
			log.Errorf("mpubsub.Register: method %q has %d output parameters; needs exactly zero", mname, mtype.NumOut())
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > maxMessageSize {
		return fmt.Errorf("mpubsub: message for %s too large (%d bytes)", serviceMethod, buf.Len())
	}

	_, err := ps.wc.Write(buf.Bytes())
	return err
}

// dispatch decodes one datagram and calls the registered handler.
func (ps *PubSub) dispatch(data []byte, from netip.AddrPort) error {
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		return fmt.Errorf("service/method request ill-formed: %s", msg.ServiceMethod)
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		return fmt.Errorf("can't find service %s", msg.ServiceMethod)
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		return fmt.Errorf("can't find method %s", msg.ServiceMethod)
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	handler.method.Func.Call([]reflect.Value{svc.sub, reflect.ValueOf(from), arg})
	return nil
}

// Listen delivers received messages until the context is cancelled.
func (ps *PubSub) Listen(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ps.Close()
	}()

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := ps.rc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}

		if err := ps.dispatch(buf[:n], netip.AddrPortFrom(from.Addr().Unmap(), from.Port())); err != nil {
			log.Debugf("mpubsub: dropping message from %s: %v", from, err)
		}
	}
}

func (ps *PubSub) Close() error {
	err := ps.rc.Close()
	if werr := ps.wc.Close(); err == nil {
		err = werr
	}
	return err
}
