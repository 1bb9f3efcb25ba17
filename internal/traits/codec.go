// Package traits decodes observe frames and the vendor trait messages
// they carry. Trait schemas are compiled from embedded .proto sources
// into independent namespaces; a type URL is resolved against each
// namespace in load order.
package traits

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"

	"nestobserve/internal/apierr"
)

//go:embed schema
var schemaFS embed.FS

//go:embed observe_request.txtpb
var observeRequestText []byte

// Namespaces lists the schema roots in lookup order.
var Namespaces = []string{"nest", "weave"}

const (
	typeURLPrefix      = "type.nestlabs.com/"
	streamBodyName     = "nest.rpc.StreamBody"
	observeRequestName = "nest.rpc.ObserveRequest"
)

// TypeURL returns the type URL the service uses for a message name.
func TypeURL(fullName string) string { return typeURLPrefix + fullName }

// Status is the status block that ends a stream.
type Status struct {
	Code    int32
	Message string
}

// Trait is one decoded trait attributed to a resource.
type Trait struct {
	// ObjectID is the owning resource id, e.g. "DEVICE_18B43000418C1A2B".
	ObjectID string
	// Name is the trait key, e.g. "current_temperature".
	Name    string
	TypeURL string
	// Value is the decoded trait rendered as JSON with proto field names.
	Value json.RawMessage
}

// Decode unmarshals the trait value into v.
func (t Trait) Decode(v any) error {
	if err := json.Unmarshal(t.Value, v); err != nil {
		return fmt.Errorf("decode %s@%s: %w", t.Name, t.ObjectID, err)
	}
	return nil
}

// StreamMessage is one decoded frame.
type StreamMessage struct {
	Traits []Trait
	// Status is set when the frame carries a status block.
	Status *Status
	// Skipped counts traits dropped because they could not be decoded.
	Skipped int
}

type namespace struct {
	name  string
	files *protoregistry.Files
}

// Codec decodes frames. It is safe for concurrent use once loaded.
type Codec struct {
	namespaces []namespace
	streamBody protoreflect.MessageDescriptor
	logger     *slog.Logger

	marshal protojson.MarshalOptions
}

// Load compiles the embedded schemas.
func Load(ctx context.Context, logger *slog.Logger) (*Codec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := fs.Sub(schemaFS, "schema")
	if err != nil {
		return nil, err
	}

	c := &Codec{
		logger:  logger,
		marshal: protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true},
	}
	for _, name := range Namespaces {
		files, err := compileNamespace(ctx, root, name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schemas: %w", name, err)
		}
		c.namespaces = append(c.namespaces, namespace{name: name, files: files})
	}

	md, ok := c.findMessage(streamBodyName)
	if !ok {
		return nil, fmt.Errorf("schema missing %s", streamBodyName)
	}
	c.streamBody = md
	return c, nil
}

func compileNamespace(ctx context.Context, root fs.FS, name string) (*protoregistry.Files, error) {
	var paths []string
	err := fs.WalkDir(root, name, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && path.Ext(p) == ".proto" {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: func(p string) (io.ReadCloser, error) {
				return root.Open(p)
			},
		}),
	}
	compiled, err := compiler.Compile(ctx, paths...)
	if err != nil {
		return nil, err
	}

	files := new(protoregistry.Files)
	for _, f := range compiled {
		if err := files.RegisterFile(f); err != nil {
			return nil, fmt.Errorf("register %s: %w", f.Path(), err)
		}
	}
	return files, nil
}

func (c *Codec) findMessage(fullName string) (protoreflect.MessageDescriptor, bool) {
	for _, ns := range c.namespaces {
		d, err := ns.files.FindDescriptorByName(protoreflect.FullName(fullName))
		if err != nil {
			continue
		}
		if md, ok := d.(protoreflect.MessageDescriptor); ok {
			return md, true
		}
	}
	return nil, false
}

// Lookup resolves a type URL such as
// "type.nestlabs.com/nest.trait.sensor.CurrentTemperatureTrait". The
// first namespace that defines the message wins.
func (c *Codec) Lookup(typeURL string) (protoreflect.MessageDescriptor, bool) {
	name := typeURL
	if i := strings.LastIndexByte(typeURL, '/'); i >= 0 {
		name = typeURL[i+1:]
	}
	if name == "" {
		return nil, false
	}
	return c.findMessage(name)
}

// Decode parses one frame. A frame that is not a StreamBody returns a
// DecodeError; the caller skips it. Traits whose payload cannot be
// decoded are logged and left out of the result.
func (c *Codec) Decode(frame []byte) (*StreamMessage, error) {
	body := dynamicpb.NewMessage(c.streamBody)
	if err := proto.Unmarshal(frame, body); err != nil {
		return nil, apierr.New(apierr.DecodeError, "decode stream body", err)
	}

	out := &StreamMessage{}
	if status, ok := field(body, "status"); ok {
		sm := status.Message()
		out.Status = &Status{
			Code:    int32(scalar(sm, "code").Int()),
			Message: scalar(sm, "message").String(),
		}
	}

	messages := body.Get(c.streamBody.Fields().ByName("message")).List()
	for i := 0; i < messages.Len(); i++ {
		msg := messages.Get(i).Message()
		gets := msg.Get(msg.Descriptor().Fields().ByName("get")).List()
		for j := 0; j < gets.Len(); j++ {
			trait, err := c.decodeTrait(gets.Get(j).Message())
			if err != nil {
				out.Skipped++
				c.logger.Debug("skipping trait", "error", err)
				continue
			}
			out.Traits = append(out.Traits, trait)
		}
	}
	return out, nil
}

func (c *Codec) decodeTrait(state protoreflect.Message) (Trait, error) {
	var t Trait
	if obj, ok := field(state, "object"); ok {
		t.ObjectID = scalar(obj.Message(), "id").String()
		t.Name = scalar(obj.Message(), "key").String()
	}

	data, ok := field(state, "data")
	if !ok {
		return t, apierr.New(apierr.DecodeError, t.Name, fmt.Errorf("no data for %s", t.ObjectID))
	}
	property, ok := field(data.Message(), "property")
	if !ok {
		return t, apierr.New(apierr.DecodeError, t.Name, fmt.Errorf("no property for %s", t.ObjectID))
	}
	anyMsg := property.Message()
	t.TypeURL = scalar(anyMsg, "type_url").String()

	md, ok := c.Lookup(t.TypeURL)
	if !ok {
		return t, apierr.New(apierr.DecodeError, t.Name, fmt.Errorf("unknown type %q", t.TypeURL))
	}

	value := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(scalar(anyMsg, "value").Bytes(), value); err != nil {
		return t, apierr.New(apierr.DecodeError, t.Name, err)
	}
	rendered, err := c.marshal.Marshal(value)
	if err != nil {
		return t, apierr.New(apierr.DecodeError, t.Name, err)
	}
	t.Value = rendered
	return t, nil
}

// ObservePayload returns the binary body of the observe POST.
func (c *Codec) ObservePayload() ([]byte, error) {
	md, ok := c.findMessage(observeRequestName)
	if !ok {
		return nil, fmt.Errorf("schema missing %s", observeRequestName)
	}
	req := dynamicpb.NewMessage(md)
	if err := prototext.Unmarshal(observeRequestText, req); err != nil {
		return nil, fmt.Errorf("parse observe request: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(req)
}

// Encode builds the wire form of the message named by typeURL from its
// JSON rendering.
func (c *Codec) Encode(typeURL string, value []byte) ([]byte, error) {
	md, ok := c.Lookup(typeURL)
	if !ok {
		return nil, fmt.Errorf("unknown type %q", typeURL)
	}
	msg := dynamicpb.NewMessage(md)
	if err := protojson.Unmarshal(value, msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", typeURL, err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func field(m protoreflect.Message, name protoreflect.Name) (protoreflect.Value, bool) {
	fd := m.Descriptor().Fields().ByName(name)
	if fd == nil || !m.Has(fd) {
		return protoreflect.Value{}, false
	}
	return m.Get(fd), true
}

// scalar reads a field that the compiled schema is known to define.
func scalar(m protoreflect.Message, name protoreflect.Name) protoreflect.Value {
	return m.Get(m.Descriptor().Fields().ByName(name))
}
